package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/handoff/internal/a2a"
	"github.com/mpataki/handoff/internal/approval"
	"github.com/mpataki/handoff/internal/artifact"
	"github.com/mpataki/handoff/internal/logging"
	"github.com/mpataki/handoff/internal/models"
	"github.com/mpataki/handoff/internal/routing"
	"github.com/mpataki/handoff/internal/stream"
)

var (
	ErrEmptyPrompt = errors.New("prompt is empty")
	ErrRunActive   = errors.New("a run is already active")
)

// StageClient is the subset of the a2a client the orchestrator drives.
type StageClient interface {
	SendMessage(ctx context.Context, stage models.StageName, req a2a.MessageRequest) (*a2a.MessageResponse, error)
	Resubscribe(ctx context.Context, stage models.StageName, taskID string) ([]map[string]any, error)
	stream.Streamer
}

type SessionStore interface {
	Save(prompt string, run models.Run) (*models.Session, error)
	List() ([]*models.Session, error)
	GetByID(id string) (*models.Session, error)
	Delete(id string) error
	FindMatching(promptPrefix string) (*models.Session, error)
}

type Orchestrator struct {
	client        StageClient
	store         SessionStore
	policy        *routing.Policy
	logger        *logging.Logger
	observer      func(models.Run)
	streamTimeout time.Duration
	replayDelay   time.Duration

	gate   *approval.Gate
	active atomic.Bool

	mu  sync.Mutex
	run *liveRun
}

type Option func(*Orchestrator)

func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithObserver registers fn to receive a snapshot of the run after every
// change. fn is called from the run's goroutines and must not call back into
// the orchestrator synchronously.
func WithObserver(fn func(models.Run)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// SetObserver replaces the observer. It takes effect from the next run.
func (o *Orchestrator) SetObserver(fn func(models.Run)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observer = fn
}

func WithPolicy(p *routing.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithStreamTimeout bounds each stage subscription. 0 means unbounded.
func WithStreamTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.streamTimeout = d }
}

func WithReplayDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.replayDelay = d }
}

func New(client StageClient, store SessionStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:      client,
		store:       store,
		replayDelay: 600 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.policy == nil {
		o.policy = routing.NewPolicy(routing.RouteResearch, routing.WithLogger(o.logger))
	}
	o.gate = approval.NewGate(o.approvalChanged)
	o.run = newLiveRun("", "", nil)
	return o
}

// StartRun drives one run to completion and returns the saved session. It
// blocks for the whole run, including any wait for approval.
func (o *Orchestrator) StartRun(ctx context.Context, prompt string) (*models.Session, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if !o.active.CompareAndSwap(false, true) {
		return nil, ErrRunActive
	}
	defer o.active.Store(false)

	o.mu.Lock()
	run := newLiveRun(prompt, uuid.NewString(), o.observer)
	o.run = run
	o.mu.Unlock()

	run.setActive(true)
	defer run.setActive(false)

	logger := o.logger.WithRun(run.contextID())
	logger.Info("run started", "prompt", prompt)

	sess, err := o.execute(ctx, run, prompt, logger)
	if err != nil {
		logger.Error("run failed", "error", err)
		return nil, err
	}
	logger.Info("run completed", "session_id", sess.ID)
	return sess, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *liveRun, prompt string, logger *logging.Logger) (*models.Session, error) {
	run.AppendLog("Run started", prompt)

	if _, err := o.runStage(ctx, run, models.StageTriage, prompt, logger); err != nil {
		return nil, err
	}

	triageArtifacts := run.artifactsFor(models.StageTriage)
	routeValue, _ := artifact.FindRoute(triageArtifacts)
	decision := o.policy.Resolve(ctx, routeValue, prompt, triageArtifacts)
	switch {
	case decision.Defaulted:
		run.AppendLog("Route defaulted", fmt.Sprintf("Triage returned no route; using %s", decision.Route))
	case decision.Scripted:
		run.AppendLog("Route selected", fmt.Sprintf("%s (route script)", decision.Route))
	default:
		run.AppendLog("Route selected", decision.Route)
	}
	logger.Info("route resolved", "route", decision.Route, "defaulted", decision.Defaulted, "scripted", decision.Scripted)

	if decision.Research() {
		research, err := o.runStage(ctx, run, models.StageResearch, prompt, logger)
		if err != nil {
			return nil, err
		}
		review, err := o.runStage(ctx, run, models.StageReview, research, logger)
		if err != nil {
			return nil, err
		}
		content, err := o.awaitApproval(ctx, run, review, logger)
		if err != nil {
			return nil, err
		}
		if _, err := o.runStage(ctx, run, models.StagePresentation, content, logger); err != nil {
			return nil, err
		}
	} else {
		run.SetStage(models.StageResearch, models.StageSkipped)
		run.SetStage(models.StageReview, models.StageSkipped)
		run.AppendLog("Research skipped", fmt.Sprintf("Route %q goes straight to presentation", decision.Route))
		if _, err := o.runStage(ctx, run, models.StagePresentation, prompt, logger); err != nil {
			return nil, err
		}
	}

	run.AppendLog("Run completed", "All stages finished")

	sess, err := o.store.Save(prompt, run.snapshot())
	if err != nil {
		run.AppendLog("Session not saved", err.Error())
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return sess, nil
}

// stageSink passes subscriber updates for one stage through to the run.
// Terminal states that arrive before the submit is accepted are held back, so
// a rejected submit always ends Failed.
type stageSink struct {
	*liveRun

	mu       sync.Mutex
	accepted bool
	held     models.StageState
}

func (s *stageSink) SetStage(stage models.StageName, state models.StageState) bool {
	if state.Terminal() {
		s.mu.Lock()
		if !s.accepted {
			s.held = state
			s.mu.Unlock()
			return true
		}
		s.mu.Unlock()
	}
	return s.liveRun.SetStage(stage, state)
}

func (s *stageSink) accept(stage models.StageName) {
	s.mu.Lock()
	s.accepted = true
	held := s.held
	s.mu.Unlock()

	if held != "" {
		s.liveRun.SetStage(stage, held)
	}
}

type streamResult struct {
	state models.StageState
	err   error
}

// runStage submits content to stage and follows it to a terminal state. It
// returns the stage's reply content.
func (o *Orchestrator) runStage(ctx context.Context, run *liveRun, stage models.StageName, content string, logger *logging.Logger) (string, error) {
	taskID := uuid.NewString()
	logger = logger.WithStage(string(stage)).With("task_id", taskID)

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	run.SetStage(stage, models.StageWorking)

	// The subscription starts before the submit so no early frame is lost.
	sink := &stageSink{liveRun: run}
	results := make(chan streamResult, 1)
	sub := stream.NewSubscriber(o.client, sink, o.streamTimeout, logger)
	go func() {
		state, err := sub.Subscribe(streamCtx, stage, taskID)
		results <- streamResult{state: state, err: err}
	}()

	resp, err := o.client.SendMessage(ctx, stage, a2a.MessageRequest{
		TaskID:    taskID,
		ContextID: run.contextID(),
		Message:   a2a.Message{Role: "user", Content: content},
	})
	if err != nil {
		cancelStream()
		<-results
		return "", o.failStage(run, stage, err, logger)
	}
	sink.accept(stage)
	if resp.ContextID != "" {
		run.setContextID(resp.ContextID)
	}
	// Artifacts are filed under the id the stage assigned.
	if resp.TaskID != "" && resp.TaskID != taskID {
		logger.Debug("stage assigned its own task id", "reply_task_id", resp.TaskID)
		taskID = resp.TaskID
	}

	res := <-results
	if res.err != nil {
		return "", o.failStage(run, stage, res.err, logger)
	}

	o.collectArtifacts(ctx, run, stage, taskID, logger)

	run.SetStage(stage, models.StageCompleted)
	logger.Info("stage completed")
	return resp.Message.Content, nil
}

// collectArtifacts pulls the final artifacts after the stream closes.
// Payloads already delivered on the stream are not recorded twice. Any error
// here is non-fatal.
func (o *Orchestrator) collectArtifacts(ctx context.Context, run *liveRun, stage models.StageName, taskID string, logger *logging.Logger) {
	payloads, err := o.client.Resubscribe(ctx, stage, taskID)
	if err != nil {
		if errors.Is(err, a2a.ErrArtifactFetchTimeout) {
			logger.Debug("artifact fetch timed out, continuing without artifacts")
		} else {
			logger.Warn("artifact fetch failed, continuing without artifacts", "error", err)
		}
		return
	}

	seen := run.artifactsFor(stage)
	for _, a := range artifact.ClassifyAll(stage, payloads) {
		if containsPayload(seen, a.Data) {
			continue
		}
		run.AppendArtifact(a)
		seen = append(seen, a)
	}
}

func containsPayload(artifacts []models.Artifact, data map[string]any) bool {
	for _, a := range artifacts {
		if reflect.DeepEqual(a.Data, data) {
			return true
		}
	}
	return false
}

// failStage marks stage failed and writes the run's single failure entry.
func (o *Orchestrator) failStage(run *liveRun, stage models.StageName, err error, logger *logging.Logger) error {
	run.SetStage(stage, models.StageFailed)
	run.AppendLog(stage.Label()+" failed", err.Error())
	logger.Error("stage failed", "error", err)
	return fmt.Errorf("%s stage: %w", stage, err)
}

// awaitApproval suspends the run until the review output is approved. It
// returns the content the presentation stage should receive.
func (o *Orchestrator) awaitApproval(ctx context.Context, run *liveRun, content string, logger *logging.Logger) (string, error) {
	run.SetStage(models.StagePresentation, models.StageAwaitingInput)
	run.AppendLog("Awaiting approval", "Review output is ready for approval before presentation")
	logger.Info("awaiting approval")

	final, err := o.gate.Request(ctx, content)
	if err != nil {
		return "", o.failStage(run, models.StagePresentation, err, logger)
	}

	if final != content {
		run.AppendLog("Approved with edits", "Presentation will use the edited content")
	} else {
		run.AppendLog("Approved", "Presentation will use the reviewed content")
	}
	return final, nil
}

func (o *Orchestrator) approvalChanged(req models.ApprovalRequest) {
	o.mu.Lock()
	run := o.run
	o.mu.Unlock()

	if req.Status == models.ApprovalPending {
		run.setApproval(&req)
		return
	}
	run.setApproval(nil)
}

// Approve resolves the pending approval. An empty finalContent approves the
// reviewed content unchanged.
func (o *Orchestrator) Approve(finalContent string) error {
	return o.gate.Approve(finalContent)
}

func (o *Orchestrator) Reject(reason string) error {
	return o.gate.Reject(reason)
}

// PendingApproval returns the outstanding approval request, or nil.
func (o *Orchestrator) PendingApproval() *models.ApprovalRequest {
	return o.gate.Pending()
}

// Active reports whether a run or replay is in progress.
func (o *Orchestrator) Active() bool {
	return o.active.Load()
}

// Snapshot returns a copy of the current (or most recent) run.
func (o *Orchestrator) Snapshot() models.Run {
	o.mu.Lock()
	run := o.run
	o.mu.Unlock()
	return run.snapshot()
}

func (o *Orchestrator) ListSessions() ([]*models.Session, error) {
	return o.store.List()
}

func (o *Orchestrator) GetSession(id string) (*models.Session, error) {
	return o.store.GetByID(id)
}

func (o *Orchestrator) DeleteSession(id string) error {
	return o.store.Delete(id)
}

func (o *Orchestrator) FindSession(promptPrefix string) (*models.Session, error) {
	return o.store.FindMatching(promptPrefix)
}
