package orchestrator

import (
	"sync"
	"time"

	"github.com/mpataki/handoff/internal/models"
)

// liveRun is the mutable run owned by the orchestrator. The pipeline driver
// and the stream subscriber both write to it; observers only get copies.
type liveRun struct {
	mu  sync.Mutex
	run models.Run

	// notifyMu serializes observer calls so the last call always carries the
	// newest snapshot.
	notifyMu sync.Mutex
	observer func(models.Run)
}

func newLiveRun(prompt, contextID string, observer func(models.Run)) *liveRun {
	return &liveRun{
		run: models.Run{
			Prompt:    prompt,
			ContextID: contextID,
			Stages:    models.NewStageMap(),
		},
		observer: observer,
	}
}

// SetStage moves stage to state if the state machine allows it. Repeating the
// current state is a no-op; a backward move is ignored and reported false.
func (r *liveRun) SetStage(stage models.StageName, state models.StageState) bool {
	r.mu.Lock()
	cur := r.run.Stages[stage]
	if !stage.CanTransition(cur, state) {
		r.mu.Unlock()
		return false
	}
	if cur == state {
		r.mu.Unlock()
		return true
	}
	r.run.Stages[stage] = state
	r.mu.Unlock()

	r.changed()
	return true
}

// AppendLog records an entry. The log is kept most-recent-first.
func (r *liveRun) AppendLog(title, description string) {
	entry := models.LogEntry{Time: time.Now(), Title: title, Description: description}

	r.mu.Lock()
	r.run.Log = append([]models.LogEntry{entry}, r.run.Log...)
	r.mu.Unlock()

	r.changed()
}

func (r *liveRun) AppendArtifact(a models.Artifact) {
	r.mu.Lock()
	r.run.Artifacts = append(r.run.Artifacts, a)
	r.mu.Unlock()

	r.changed()
}

func (r *liveRun) stage(stage models.StageName) models.StageState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.Stages[stage]
}

func (r *liveRun) contextID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.ContextID
}

func (r *liveRun) setContextID(id string) {
	r.mu.Lock()
	changed := r.run.ContextID != id
	r.run.ContextID = id
	r.mu.Unlock()

	if changed {
		r.changed()
	}
}

func (r *liveRun) artifactsFor(stage models.StageName) []models.Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Artifact
	for _, a := range r.run.Artifacts {
		if a.Stage == stage {
			out = append(out, a)
		}
	}
	return out
}

func (r *liveRun) setActive(active bool) {
	r.mu.Lock()
	r.run.Active = active
	r.mu.Unlock()

	r.changed()
}

func (r *liveRun) setApproval(req *models.ApprovalRequest) {
	r.mu.Lock()
	r.run.Approval = req
	r.mu.Unlock()

	r.changed()
}

// restore replaces the log and artifacts wholesale. Used by replay.
func (r *liveRun) restore(log []models.LogEntry, artifacts []models.Artifact) {
	r.mu.Lock()
	r.run.Log = append([]models.LogEntry(nil), log...)
	r.run.Artifacts = append([]models.Artifact(nil), artifacts...)
	r.mu.Unlock()

	r.changed()
}

func (r *liveRun) snapshot() models.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyRun(r.run)
}

func (r *liveRun) changed() {
	if r.observer == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.observer(r.snapshot())
}

func copyRun(run models.Run) models.Run {
	out := run
	out.Stages = make(map[models.StageName]models.StageState, len(run.Stages))
	for k, v := range run.Stages {
		out.Stages[k] = v
	}
	out.Log = append([]models.LogEntry(nil), run.Log...)
	out.Artifacts = append([]models.Artifact(nil), run.Artifacts...)
	if run.Approval != nil {
		req := *run.Approval
		out.Approval = &req
	}
	return out
}
