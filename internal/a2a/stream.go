package a2a

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EventStream decodes server-sent events from a task stream. Each event's
// data lines carry one JSON frame.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newEventStream(body io.ReadCloser) *EventStream {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return &EventStream{body: body, scanner: scanner}
}

// Next blocks until the next frame arrives. It returns io.EOF when the
// server closes the channel cleanly between frames.
func (s *EventStream) Next() (Event, error) {
	var data []string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(data) == 0 {
				continue
			}
			return DecodeFrame(strings.Join(data, "\n"))
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field == "data" {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	if len(data) > 0 {
		return DecodeFrame(strings.Join(data, "\n"))
	}
	return Event{}, io.EOF
}

func (s *EventStream) Close() error {
	return s.body.Close()
}

// DecodeFrame parses one frame and rejects anything that is not a
// well-formed task-status or task-artifact event.
func DecodeFrame(data string) (Event, error) {
	var evt Event
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return Event{}, fmt.Errorf("malformed frame: %w", err)
	}

	switch evt.Type {
	case EventTaskStatus:
		if evt.State == "" {
			return Event{}, fmt.Errorf("malformed frame: task-status without state")
		}
	case EventTaskArtifact:
		if evt.Artifact == nil {
			return Event{}, fmt.Errorf("malformed frame: task-artifact without artifact")
		}
	default:
		return Event{}, fmt.Errorf("malformed frame: unknown event %q", evt.Type)
	}
	return evt, nil
}
