package orchestrator

import (
	"context"
	"time"

	"github.com/mpataki/handoff/internal/models"
)

// Replay plays a stored session back into the live run view. Each stage that
// was not skipped goes Working and then, after the replay delay, to its
// stored final state. The stored log and artifacts are restored verbatim. No
// stage service is contacted.
func (o *Orchestrator) Replay(ctx context.Context, id string) (*models.Session, error) {
	sess, err := o.store.GetByID(id)
	if err != nil {
		return nil, err
	}
	if !o.active.CompareAndSwap(false, true) {
		return nil, ErrRunActive
	}
	defer o.active.Store(false)

	o.mu.Lock()
	run := newLiveRun(sess.Prompt, sess.ContextID, o.observer)
	o.run = run
	o.mu.Unlock()

	run.setActive(true)
	defer run.setActive(false)

	o.logger.WithRun(sess.ContextID).Info("replaying session", "session_id", sess.ID)

	for _, stage := range models.Stages {
		final, ok := sess.FinalStages[stage]
		if !ok || final == models.StageQueued {
			continue
		}
		if final == models.StageSkipped {
			run.SetStage(stage, models.StageSkipped)
			continue
		}

		run.SetStage(stage, models.StageWorking)
		if err := sleep(ctx, o.replayDelay); err != nil {
			return nil, err
		}
		run.SetStage(stage, final)
	}

	run.restore(sess.Log, sess.Artifacts)
	return sess, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
