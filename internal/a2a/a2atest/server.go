// Package a2atest provides an in-process fake of the four stage services
// for tests.
package a2atest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/mpataki/handoff/internal/a2a"
	"github.com/mpataki/handoff/internal/models"
)

// Stage configures how one fake stage service behaves. The zero value
// accepts the message, streams working/completed and returns no artifacts.
type Stage struct {
	// Status overrides the /message response status when non-zero.
	Status int
	// MessageDelay is waited before /message answers.
	MessageDelay time.Duration
	Reply  string
	// Frames are streamed as JSON events. nil means working then completed.
	Frames []a2a.Event
	// RawFrames, if set, are written as data lines instead of Frames.
	RawFrames []string
	// StreamDelay is waited before each frame.
	StreamDelay time.Duration
	// StreamHang keeps the stream open without frames until the client leaves.
	StreamHang bool

	// TaskIDPrefix makes the stage assign its own task id: the /message reply
	// carries TaskIDPrefix+task_id, and resubscribe only knows that id.
	TaskIDPrefix string

	Artifacts        []map[string]any
	ResubscribeDelay time.Duration

	Card       *a2a.AgentCard
	CardStatus int
}

type Request struct {
	Stage models.StageName
	Path  string
	Body  a2a.MessageRequest
}

type Server struct {
	*httptest.Server

	mu       sync.Mutex
	stages   map[models.StageName]*Stage
	requests []Request
	calls    int
}

func NewServer(stages map[models.StageName]*Stage) *Server {
	s := &Server{stages: make(map[models.StageName]*Stage)}
	for name, st := range stages {
		s.stages[name] = st
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{stage}/message", s.handleMessage)
	mux.HandleFunc("GET /{stage}/message/stream", s.handleStream)
	mux.HandleFunc("POST /{stage}/tasks/resubscribe", s.handleResubscribe)
	mux.HandleFunc("GET /{stage}/.well-known/agent-card.json", s.handleCard)
	s.Server = httptest.NewServer(mux)
	return s
}

// Endpoints returns the per-stage base URLs served by s.
func (s *Server) Endpoints() map[models.StageName]string {
	return a2a.StageEndpoints(s.URL, nil)
}

// Calls counts every HTTP request the server received.
func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Resubscribes returns the task ids stage was asked to resubscribe, in order.
func (s *Server) Resubscribes(stage models.StageName) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.requests {
		if r.Stage == stage && r.Path == "resubscribe" {
			out = append(out, r.Body.TaskID)
		}
	}
	return out
}

// Messages returns the /message requests received for stage, in order.
func (s *Server) Messages(stage models.StageName) []a2a.MessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []a2a.MessageRequest
	for _, r := range s.requests {
		if r.Stage == stage && r.Path == "message" {
			out = append(out, r.Body)
		}
	}
	return out
}

func (s *Server) stage(r *http.Request) (models.StageName, *Stage) {
	name := models.StageName(r.PathValue("stage"))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	st, ok := s.stages[name]
	if !ok {
		st = &Stage{}
	}
	return name, st
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	name, st := s.stage(r)

	var req a2a.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, Request{Stage: name, Path: "message", Body: req})
	s.mu.Unlock()

	if st.MessageDelay > 0 {
		select {
		case <-time.After(st.MessageDelay):
		case <-r.Context().Done():
			return
		}
	}

	if st.Status != 0 && (st.Status < 200 || st.Status > 299) {
		http.Error(w, "stage unavailable", st.Status)
		return
	}

	contextID := req.ContextID
	if contextID == "" {
		contextID = "ctx-" + string(name)
	}
	reply := st.Reply
	if reply == "" {
		reply = fmt.Sprintf("%s output", name)
	}

	writeJSON(w, a2a.MessageResponse{
		TaskID:    st.TaskIDPrefix + req.TaskID,
		ContextID: contextID,
		Message:   a2a.Message{Role: "assistant", Content: reply},
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	_, st := s.stage(r)
	taskID := r.URL.Query().Get("task_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	if st.StreamHang {
		<-r.Context().Done()
		return
	}

	lines := st.RawFrames
	if lines == nil {
		frames := st.Frames
		if frames == nil {
			frames = []a2a.Event{
				{Type: a2a.EventTaskStatus, State: a2a.StateWorking},
				{Type: a2a.EventTaskStatus, State: a2a.StateCompleted},
			}
		}
		for _, f := range frames {
			f.TaskID = taskID
			data, _ := json.Marshal(f)
			lines = append(lines, string(data))
		}
	}

	for _, line := range lines {
		if st.StreamDelay > 0 {
			select {
			case <-time.After(st.StreamDelay):
			case <-r.Context().Done():
				return
			}
		}
		fmt.Fprintf(w, "data: %s\n\n", line)
		flush()
	}
}

func (s *Server) handleResubscribe(w http.ResponseWriter, r *http.Request) {
	name, st := s.stage(r)

	var req struct {
		TaskID string `json:"task_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.requests = append(s.requests, Request{Stage: name, Path: "resubscribe", Body: a2a.MessageRequest{TaskID: req.TaskID}})
	s.mu.Unlock()

	if st.ResubscribeDelay > 0 {
		select {
		case <-time.After(st.ResubscribeDelay):
		case <-r.Context().Done():
			return
		}
	}

	artifacts := st.Artifacts
	if artifacts == nil || !strings.HasPrefix(req.TaskID, st.TaskIDPrefix) {
		artifacts = []map[string]any{}
	}
	writeJSON(w, map[string]any{
		"task_id":   req.TaskID,
		"state":     a2a.StateCompleted,
		"artifacts": artifacts,
	})
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	_, st := s.stage(r)
	if st.CardStatus != 0 {
		http.Error(w, "no card", st.CardStatus)
		return
	}
	if st.Card == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, st.Card)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
