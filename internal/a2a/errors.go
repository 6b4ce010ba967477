package a2a

import (
	"errors"
	"fmt"

	"github.com/mpataki/handoff/internal/models"
)

// ErrArtifactFetchTimeout is returned by Resubscribe when the bounded fetch
// deadline expires. Callers treat it as an empty result, not a failure.
var ErrArtifactFetchTimeout = errors.New("artifact fetch timed out")

// RequestError is a failed stage submission: a transport error or a
// non-2xx response.
type RequestError struct {
	Stage      models.StageName
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		msg := fmt.Sprintf("%s request failed with status %d", e.Stage, e.StatusCode)
		if e.Body != "" {
			msg += ": " + e.Body
		}
		return msg
	}
	return fmt.Sprintf("%s request failed: %v", e.Stage, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// StreamError is a broken or malformed stream channel. It is handled exactly
// like a failed terminal status.
type StreamError struct {
	Stage  models.StageName
	TaskID string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream for task %s: %v", e.Stage, e.TaskID, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
