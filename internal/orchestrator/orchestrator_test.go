package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mpataki/handoff/internal/a2a"
	"github.com/mpataki/handoff/internal/a2a/a2atest"
	"github.com/mpataki/handoff/internal/approval"
	"github.com/mpataki/handoff/internal/models"
	"github.com/mpataki/handoff/internal/routing"
	"github.com/mpataki/handoff/internal/storage"
)

type harness struct {
	srv   *a2atest.Server
	store *storage.Storage
	orch  *Orchestrator
}

func newHarness(t *testing.T, stages map[models.StageName]*a2atest.Stage, opts ...Option) *harness {
	t.Helper()

	srv := a2atest.NewServer(stages)
	t.Cleanup(srv.Close)

	store, err := storage.New(filepath.Join(t.TempDir(), "handoff.db"))
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	client := a2a.NewClient(srv.Endpoints(), a2a.WithResubscribeTimeout(200*time.Millisecond))
	opts = append([]Option{WithReplayDelay(0)}, opts...)
	return &harness{srv: srv, store: store, orch: New(client, store, opts...)}
}

func (h *harness) sessions(t *testing.T) int {
	t.Helper()
	list, err := h.store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	return len(list)
}

// decide waits for an approval request and resolves it with fn. It reports
// the presentation stage state seen while the request was pending.
func decide(t *testing.T, o *Orchestrator, fn func(*models.ApprovalRequest) error) <-chan models.StageState {
	t.Helper()
	seen := make(chan models.StageState, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if req := o.PendingApproval(); req != nil {
				seen <- o.Snapshot().Stages[models.StagePresentation]
				if err := fn(req); err != nil {
					t.Errorf("resolving approval failed: %v", err)
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		close(seen)
	}()
	return seen
}

func hasLog(run models.Run, title string) int {
	n := 0
	for _, e := range run.Log {
		if e.Title == title {
			n++
		}
	}
	return n
}

func routeArtifact(route string) []map[string]any {
	return []map[string]any{{"route": route}}
}

func TestStartRun_ResearchRoute(t *testing.T) {
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage:   {Artifacts: routeArtifact("medical_research")},
		models.StageResearch: {Reply: "research summary", Artifacts: []map[string]any{{"summary": "diabetes overview"}}},
		models.StageReview:   {Reply: "reviewed summary"},
		models.StagePresentation: {Artifacts: []map[string]any{
			{"gammaUrl": "https://gamma.app/docs/diabetes"},
		}},
	})

	var mu sync.Mutex
	approvalsSeen := 0
	h.orch.SetObserver(func(run models.Run) {
		mu.Lock()
		defer mu.Unlock()
		if run.Approval != nil {
			approvalsSeen++
		}
	})

	pending := decide(t, h.orch, func(*models.ApprovalRequest) error { return h.orch.Approve("") })

	sess, err := h.orch.StartRun(context.Background(), "Explain diabetes care")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	if state := <-pending; state != models.StageAwaitingInput {
		t.Errorf("expected presentation awaiting input during approval, got %q", state)
	}
	for _, stage := range models.Stages {
		if sess.FinalStages[stage] != models.StageCompleted {
			t.Errorf("%s ended %s, want completed", stage, sess.FinalStages[stage])
		}
	}

	review := h.srv.Messages(models.StageReview)
	if len(review) != 1 || review[0].Message.Content != "research summary" {
		t.Errorf("review should receive research output, got %+v", review)
	}
	presentation := h.srv.Messages(models.StagePresentation)
	if len(presentation) != 1 || presentation[0].Message.Content != "reviewed summary" {
		t.Errorf("presentation should receive approved review output, got %+v", presentation)
	}

	contextID := h.srv.Messages(models.StageTriage)[0].ContextID
	if contextID == "" {
		t.Fatal("expected triage request to carry a context id")
	}
	for _, stage := range models.Stages {
		for _, m := range h.srv.Messages(stage) {
			if m.ContextID != contextID {
				t.Errorf("%s request has context %q, want %q", stage, m.ContextID, contextID)
			}
			if m.Message.Role != "user" || m.TaskID == "" {
				t.Errorf("%s request malformed: %+v", stage, m)
			}
		}
	}

	if h.sessions(t) != 1 {
		t.Errorf("expected one saved session, got %d", h.sessions(t))
	}
	if sess.ContextID != contextID {
		t.Errorf("session context = %q, want %q", sess.ContextID, contextID)
	}

	kinds := map[models.ArtifactKind]bool{}
	for _, a := range sess.Artifacts {
		kinds[a.Kind] = true
	}
	for _, k := range []models.ArtifactKind{models.ArtifactRouteDecision, models.ArtifactResearchSummary, models.ArtifactGammaDeck} {
		if !kinds[k] {
			t.Errorf("missing %s artifact in %+v", k, sess.Artifacts)
		}
	}

	final := h.orch.Snapshot()
	if final.Active || final.Approval != nil {
		t.Errorf("run should be inactive with no approval, got %+v", final)
	}
	if final.Log[0].Title != "Run completed" {
		t.Errorf("newest log entry should be the completion, got %q", final.Log[0].Title)
	}
	mu.Lock()
	if approvalsSeen == 0 {
		t.Error("observer never saw the approval request")
	}
	mu.Unlock()
}

func TestStartRun_ApproveWithEdits(t *testing.T) {
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage: {Artifacts: routeArtifact("medical_research")},
		models.StageReview: {Reply: "draft"},
	})
	decide(t, h.orch, func(req *models.ApprovalRequest) error {
		if req.Content != "draft" {
			t.Errorf("approval content = %q, want review output", req.Content)
		}
		return h.orch.Approve("edited draft")
	})

	if _, err := h.orch.StartRun(context.Background(), "Explain asthma"); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	msgs := h.srv.Messages(models.StagePresentation)
	if len(msgs) != 1 || msgs[0].Message.Content != "edited draft" {
		t.Errorf("presentation should receive edited content, got %+v", msgs)
	}
	if hasLog(h.orch.Snapshot(), "Approved with edits") != 1 {
		t.Error("expected an approval-with-edits log entry")
	}
}

func TestStartRun_DirectRoute(t *testing.T) {
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage: {Frames: []a2a.Event{
			{Type: a2a.EventTaskStatus, State: a2a.StateWorking, Detail: "Routing request"},
			{Type: a2a.EventTaskArtifact, Artifact: map[string]any{"route": "social"}},
			{Type: a2a.EventTaskStatus, State: a2a.StateCompleted},
		}},
	})

	sess, err := h.orch.StartRun(context.Background(), "Draft a social post")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	want := map[models.StageName]models.StageState{
		models.StageTriage:       models.StageCompleted,
		models.StageResearch:     models.StageSkipped,
		models.StageReview:       models.StageSkipped,
		models.StagePresentation: models.StageCompleted,
	}
	if !reflect.DeepEqual(sess.FinalStages, want) {
		t.Errorf("final stages = %v, want %v", sess.FinalStages, want)
	}
	if n := len(h.srv.Messages(models.StageResearch)) + len(h.srv.Messages(models.StageReview)); n != 0 {
		t.Errorf("skipped stages received %d requests", n)
	}
	msgs := h.srv.Messages(models.StagePresentation)
	if len(msgs) != 1 || msgs[0].Message.Content != "Draft a social post" {
		t.Errorf("presentation should run on the original prompt, got %+v", msgs)
	}
	if h.orch.PendingApproval() != nil {
		t.Error("direct route must not request approval")
	}
	if hasLog(h.orch.Snapshot(), "Triage agent") != 1 {
		t.Error("expected stream detail in the run log")
	}
}

func TestStartRun_NoRouteDefaultsToResearch(t *testing.T) {
	tests := []struct {
		name   string
		triage *a2atest.Stage
	}{
		{"zero artifacts", &a2atest.Stage{}},
		{"no route key", &a2atest.Stage{Artifacts: []map[string]any{{"note": "routing done"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, map[models.StageName]*a2atest.Stage{models.StageTriage: tt.triage})
			decide(t, h.orch, func(*models.ApprovalRequest) error { return h.orch.Approve("") })

			sess, err := h.orch.StartRun(context.Background(), "Explain hypertension")
			if err != nil {
				t.Fatalf("StartRun failed: %v", err)
			}
			if sess.FinalStages[models.StageResearch] != models.StageCompleted {
				t.Errorf("expected research route, research ended %s", sess.FinalStages[models.StageResearch])
			}
			if hasLog(h.orch.Snapshot(), "Route defaulted") != 1 {
				t.Error("expected a log entry recording the default route")
			}
		})
	}
}

func TestStartRun_RequestFailure(t *testing.T) {
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage:   {Artifacts: routeArtifact("medical_research")},
		models.StageResearch: {Status: 500},
	})

	_, err := h.orch.StartRun(context.Background(), "Explain diabetes care")
	var reqErr *a2a.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *a2a.RequestError, got %v", err)
	}

	run := h.orch.Snapshot()
	want := map[models.StageName]models.StageState{
		models.StageTriage:       models.StageCompleted,
		models.StageResearch:     models.StageFailed,
		models.StageReview:       models.StageQueued,
		models.StagePresentation: models.StageQueued,
	}
	if !reflect.DeepEqual(run.Stages, want) {
		t.Errorf("stages = %v, want %v", run.Stages, want)
	}
	if hasLog(run, "Research failed") != 1 {
		t.Errorf("expected exactly one failure entry, log: %+v", run.Log)
	}
	if h.sessions(t) != 0 {
		t.Error("failed run must not be saved")
	}
	if len(h.srv.Messages(models.StageReview)) != 0 {
		t.Error("review must not be submitted after research fails")
	}
}

func TestStartRun_StreamFailure(t *testing.T) {
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage: {Artifacts: routeArtifact("medical_research")},
		models.StageReview: {Frames: []a2a.Event{
			{Type: a2a.EventTaskStatus, State: a2a.StateWorking},
			{Type: a2a.EventTaskStatus, State: a2a.StateFailed, Detail: "review model unavailable"},
		}},
	})

	if _, err := h.orch.StartRun(context.Background(), "Explain diabetes care"); err == nil {
		t.Fatal("expected run to fail")
	}
	run := h.orch.Snapshot()
	if run.Stages[models.StageReview] != models.StageFailed || run.Stages[models.StagePresentation] != models.StageQueued {
		t.Errorf("unexpected stages: %v", run.Stages)
	}
	if hasLog(run, "Review failed") != 1 {
		t.Errorf("expected one failure entry, log: %+v", run.Log)
	}
	if h.orch.PendingApproval() != nil || h.sessions(t) != 0 {
		t.Error("failed run must not reach approval or be saved")
	}
}

func TestStartRun_StreamCompletesBeforeFailedSubmit(t *testing.T) {
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage: {Status: 500, MessageDelay: 150 * time.Millisecond},
	})

	_, err := h.orch.StartRun(context.Background(), "Explain diabetes care")
	var reqErr *a2a.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *a2a.RequestError, got %v", err)
	}

	run := h.orch.Snapshot()
	if run.Stages[models.StageTriage] != models.StageFailed {
		t.Errorf("triage = %s, want failed even though its stream completed", run.Stages[models.StageTriage])
	}
	if hasLog(run, "Triage failed") != 1 {
		t.Errorf("expected exactly one failure entry, log: %+v", run.Log)
	}
	if h.sessions(t) != 0 {
		t.Error("failed run must not be saved")
	}
}

func TestStartRun_ResubscribesWithStageTaskID(t *testing.T) {
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage:       {TaskIDPrefix: "srv-", Artifacts: routeArtifact("social")},
		models.StagePresentation: {TaskIDPrefix: "srv-", Artifacts: []map[string]any{{"gammaUrl": "https://gamma.app/docs/post"}}},
	})

	sess, err := h.orch.StartRun(context.Background(), "Draft a social post")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	for _, stage := range []models.StageName{models.StageTriage, models.StagePresentation} {
		sent := h.srv.Messages(stage)
		ids := h.srv.Resubscribes(stage)
		if len(sent) != 1 || len(ids) != 1 {
			t.Fatalf("%s: expected one message and one resubscribe, got %d and %d", stage, len(sent), len(ids))
		}
		if want := "srv-" + sent[0].TaskID; ids[0] != want {
			t.Errorf("%s resubscribed with %q, want the stage's id %q", stage, ids[0], want)
		}
	}

	if sess.FinalStages[models.StageResearch] != models.StageSkipped {
		t.Errorf("route artifact was lost: research = %s", sess.FinalStages[models.StageResearch])
	}
	var deck bool
	for _, a := range sess.Artifacts {
		if a.Kind == models.ArtifactGammaDeck {
			deck = true
		}
	}
	if !deck {
		t.Errorf("expected the presentation deck artifact, got %+v", sess.Artifacts)
	}
}

func TestLiveRun_StageRules(t *testing.T) {
	run := newLiveRun("p", "ctx", nil)

	if run.SetStage(models.StageTriage, models.StageSkipped) {
		t.Error("triage must not be skippable")
	}
	if run.SetStage(models.StageReview, models.StageAwaitingInput) {
		t.Error("only presentation may await input")
	}
	if !run.SetStage(models.StageResearch, models.StageSkipped) {
		t.Error("research should be skippable from queued")
	}
	if !run.SetStage(models.StagePresentation, models.StageAwaitingInput) {
		t.Error("presentation should await input from queued")
	}

	got := run.snapshot().Stages
	if got[models.StageTriage] != models.StageQueued || got[models.StageReview] != models.StageQueued {
		t.Errorf("rejected moves changed state: %v", got)
	}
}

func TestStartRun_StreamTimeout(t *testing.T) {
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage: {StreamHang: true},
	}, WithStreamTimeout(100*time.Millisecond))

	_, err := h.orch.StartRun(context.Background(), "Explain diabetes care")
	var se *a2a.StreamError
	if !errors.As(err, &se) {
		t.Fatalf("expected *a2a.StreamError, got %v", err)
	}
	if h.orch.Snapshot().Stages[models.StageTriage] != models.StageFailed {
		t.Error("triage should be failed after the stream timeout")
	}
}

func TestStartRun_Rejected(t *testing.T) {
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage: {Artifacts: routeArtifact("medical_research")},
	})
	decide(t, h.orch, func(*models.ApprovalRequest) error { return h.orch.Reject("tone is too clinical") })

	_, err := h.orch.StartRun(context.Background(), "Explain diabetes care")
	var rej *approval.RejectedError
	if !errors.As(err, &rej) || rej.Reason != "tone is too clinical" {
		t.Fatalf("expected rejection error, got %v", err)
	}

	run := h.orch.Snapshot()
	if run.Stages[models.StagePresentation] != models.StageFailed {
		t.Errorf("presentation = %s, want failed", run.Stages[models.StagePresentation])
	}
	if len(h.srv.Messages(models.StagePresentation)) != 0 {
		t.Error("rejection must not submit the presentation stage")
	}
	if hasLog(run, "Presentation failed") != 1 || run.Approval != nil {
		t.Errorf("unexpected run after rejection: %+v", run)
	}
	if h.sessions(t) != 0 {
		t.Error("rejected run must not be saved")
	}
}

func TestStartRun_ResubscribeTimeoutIsNonFatal(t *testing.T) {
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage:       {Artifacts: routeArtifact("social"), ResubscribeDelay: 2 * time.Second},
		models.StagePresentation: {ResubscribeDelay: 2 * time.Second},
	})
	decide(t, h.orch, func(*models.ApprovalRequest) error { return h.orch.Approve("") })

	sess, err := h.orch.StartRun(context.Background(), "Draft a social post")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	// The route artifact never arrived, so the default route applied.
	if sess.FinalStages[models.StageResearch] != models.StageCompleted {
		t.Errorf("expected default research route, got %v", sess.FinalStages)
	}
	if sess.FinalStages[models.StagePresentation] != models.StageCompleted {
		t.Errorf("presentation = %s, want completed", sess.FinalStages[models.StagePresentation])
	}
}

func TestStartRun_DeduplicatesResubscribedArtifacts(t *testing.T) {
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage: {
			Frames: []a2a.Event{
				{Type: a2a.EventTaskArtifact, Artifact: map[string]any{"route": "social"}},
				{Type: a2a.EventTaskStatus, State: a2a.StateCompleted},
			},
			Artifacts: routeArtifact("social"),
		},
	})

	sess, err := h.orch.StartRun(context.Background(), "Draft a social post")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	n := 0
	for _, a := range sess.Artifacts {
		if a.Stage == models.StageTriage {
			n++
		}
	}
	if n != 1 {
		t.Errorf("expected one triage artifact, got %d", n)
	}
}

func TestStartRun_RouteScript(t *testing.T) {
	policy := routing.NewPolicy("")
	if err := policy.SetScript("route.lua", `function route(d, p) return "direct" end`); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage: {Artifacts: routeArtifact("medical_research")},
	}, WithPolicy(policy))

	sess, err := h.orch.StartRun(context.Background(), "Explain diabetes care")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if sess.FinalStages[models.StageResearch] != models.StageSkipped {
		t.Errorf("script route should skip research, got %v", sess.FinalStages)
	}
}

func TestStartRun_Rejections(t *testing.T) {
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage: {StreamDelay: 200 * time.Millisecond, Artifacts: routeArtifact("social")},
	})

	if _, err := h.orch.StartRun(context.Background(), "   "); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("expected ErrEmptyPrompt, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.StartRun(context.Background(), "Draft a social post")
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !h.orch.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := h.orch.StartRun(context.Background(), "Another prompt"); !errors.Is(err, ErrRunActive) {
		t.Errorf("expected ErrRunActive, got %v", err)
	}
	if _, err := h.orch.Replay(context.Background(), "any"); err == nil {
		t.Error("replay must not start while a run is active")
	}

	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if h.orch.Active() {
		t.Error("active flag should clear once the run ends")
	}
	if h.sessions(t) != 1 {
		t.Errorf("expected only the first run saved, got %d", h.sessions(t))
	}
}

func TestReplay(t *testing.T) {
	h := newHarness(t, map[models.StageName]*a2atest.Stage{
		models.StageTriage:       {Artifacts: routeArtifact("social")},
		models.StagePresentation: {Artifacts: []map[string]any{{"gammaUrl": "https://gamma.app/docs/post"}}},
	})

	saved, err := h.orch.StartRun(context.Background(), "Draft a social post")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	stored, err := h.store.GetByID(saved.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	calls := h.srv.Calls()

	var mu sync.Mutex
	var working []models.StageName
	h.orch.SetObserver(func(run models.Run) {
		mu.Lock()
		defer mu.Unlock()
		for _, stage := range models.Stages {
			if run.Stages[stage] == models.StageWorking && (len(working) == 0 || working[len(working)-1] != stage) {
				working = append(working, stage)
			}
		}
	})

	if _, err := h.orch.Replay(context.Background(), saved.ID); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if h.srv.Calls() != calls {
		t.Errorf("replay issued %d network calls", h.srv.Calls()-calls)
	}
	run := h.orch.Snapshot()
	if run.Prompt != stored.Prompt {
		t.Errorf("prompt = %q, want %q", run.Prompt, stored.Prompt)
	}
	if !reflect.DeepEqual(run.Stages, stored.FinalStages) {
		t.Errorf("stages = %v, want %v", run.Stages, stored.FinalStages)
	}
	if !reflect.DeepEqual(run.Artifacts, stored.Artifacts) {
		t.Errorf("artifacts = %v, want %v", run.Artifacts, stored.Artifacts)
	}
	if !reflect.DeepEqual(run.Log, stored.Log) {
		t.Errorf("log differs from stored session")
	}
	mu.Lock()
	if !reflect.DeepEqual(working, []models.StageName{models.StageTriage, models.StagePresentation}) {
		t.Errorf("stages passing through working = %v", working)
	}
	mu.Unlock()
	if h.sessions(t) != 1 {
		t.Error("replay must not save a session")
	}

	if _, err := h.orch.Replay(context.Background(), "missing"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestReplay_Cancelled(t *testing.T) {
	h := newHarness(t, nil, WithReplayDelay(time.Second))
	stages := models.NewStageMap()
	for _, s := range models.Stages {
		stages[s] = models.StageCompleted
	}
	sess, err := h.store.Save("p", models.Run{Prompt: "p", Stages: stages})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.orch.Replay(ctx, sess.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if h.orch.Active() {
		t.Error("active flag should clear after a cancelled replay")
	}
}
