// Package stream follows a stage task's server-push channel until the task
// reaches a terminal state, feeding status, log and artifact updates into
// the live run as they arrive.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mpataki/handoff/internal/a2a"
	"github.com/mpataki/handoff/internal/artifact"
	"github.com/mpataki/handoff/internal/logging"
	"github.com/mpataki/handoff/internal/models"
)

// ErrTaskFailed is returned when the stage itself reports a failed status.
var ErrTaskFailed = errors.New("task failed")

// Sink receives the updates a stream produces. Implementations must be safe
// for use alongside the orchestrator's own writes.
type Sink interface {
	SetStage(stage models.StageName, state models.StageState) bool
	AppendLog(title, description string)
	AppendArtifact(a models.Artifact)
}

type Streamer interface {
	Stream(ctx context.Context, stage models.StageName, taskID string) (*a2a.EventStream, error)
}

type Subscriber struct {
	client  Streamer
	sink    Sink
	timeout time.Duration
	logger  *logging.Logger
}

// NewSubscriber creates a subscriber. A positive timeout bounds how long a
// single subscription may wait for its terminal frame.
func NewSubscriber(client Streamer, sink Sink, timeout time.Duration, logger *logging.Logger) *Subscriber {
	return &Subscriber{client: client, sink: sink, timeout: timeout, logger: logger}
}

// Subscribe blocks until the task completes or fails. Channel errors,
// malformed frames and timeouts resolve as StageFailed with a
// *a2a.StreamError; a failed status frame resolves as StageFailed wrapping
// ErrTaskFailed.
func (s *Subscriber) Subscribe(ctx context.Context, stage models.StageName, taskID string) (models.StageState, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	logger := s.logger.WithStage(string(stage)).With("task_id", taskID)

	es, err := s.client.Stream(ctx, stage, taskID)
	if err != nil {
		return models.StageFailed, s.streamErr(stage, taskID, err)
	}
	defer es.Close()

	for {
		evt, err := es.Next()
		if err != nil {
			switch {
			case errors.Is(ctx.Err(), context.DeadlineExceeded):
				err = fmt.Errorf("no terminal status within %s", s.timeout)
			case err == io.EOF:
				err = errors.New("stream closed before terminal status")
			}
			logger.Warn("stream ended", "error", err)
			return models.StageFailed, s.streamErr(stage, taskID, err)
		}

		switch evt.Type {
		case a2a.EventTaskArtifact:
			a := artifact.Classify(stage, evt.Artifact)
			logger.Debug("a2a stream artifact", "kind", a.Kind)
			s.sink.AppendArtifact(a)

		case a2a.EventTaskStatus:
			logger.Debug("a2a stream status", "state", evt.State, "detail", evt.Detail)
			state, known := mapState(evt.State)
			if !known {
				return models.StageFailed, s.streamErr(stage, taskID, fmt.Errorf("malformed frame: unknown state %q", evt.State))
			}
			if evt.Detail != "" {
				s.sink.AppendLog(stage.Label()+" agent", evt.Detail)
			}
			if state == "" {
				continue
			}
			s.sink.SetStage(stage, state)

			switch state {
			case models.StageCompleted:
				return models.StageCompleted, nil
			case models.StageFailed:
				detail := evt.Detail
				if detail == "" {
					detail = "stage reported failure"
				}
				return models.StageFailed, fmt.Errorf("%w: %s", ErrTaskFailed, detail)
			}
		}
	}
}

func (s *Subscriber) streamErr(stage models.StageName, taskID string, err error) error {
	var se *a2a.StreamError
	if errors.As(err, &se) {
		return se
	}
	return &a2a.StreamError{Stage: stage, TaskID: taskID, Err: err}
}

// mapState converts a backend state. queued and input-required are known but
// carry no stage transition, reported as an empty state.
func mapState(state string) (models.StageState, bool) {
	switch state {
	case a2a.StateWorking:
		return models.StageWorking, true
	case a2a.StateCompleted:
		return models.StageCompleted, true
	case a2a.StateFailed:
		return models.StageFailed, true
	case a2a.StateQueued, a2a.StateInputRequired:
		return "", true
	}
	return "", false
}
