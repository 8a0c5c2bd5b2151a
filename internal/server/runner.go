package server

import (
	"context"
	"log"
	"time"

	"github.com/mohammad-safakhou/prospector/internal/research"
	"github.com/mohammad-safakhou/prospector/internal/store"
)

// Runner executes research runs on a bounded worker pool and persists their
// results. The HTTP trigger path and the scheduler share one instance, so the
// worker cap holds across both.
type Runner struct {
	store  *store.Store
	orch   *research.Orchestrator
	sem    chan struct{}
	logger *log.Logger
}

func NewRunner(st *store.Store, orch *research.Orchestrator, workers int) *Runner {
	if workers <= 0 {
		workers = 2
	}
	return &Runner{
		store:  st,
		orch:   orch,
		sem:    make(chan struct{}, workers),
		logger: log.New(log.Writer(), "[RUNNER] ", log.LstdFlags),
	}
}

// Execute runs one task under the given run id, blocking for a worker slot
// first. The run row must already exist; whatever the research loop returns
// is persisted, including failed runs.
func (r *Runner) Execute(ctx context.Context, task store.Task, runID string) error {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	res, runErr := r.orch.RunWithID(ctx, runID, research.Task{
		ID:            task.ID,
		Subject:       task.Subject,
		Prompt:        task.Prompt,
		StartURL:      task.StartURL,
		EntityTypeIDs: task.EntityTypeIDs,
		LinkTypeIDs:   task.LinkTypeIDs,
		Model:         task.Model,
	})

	// Persist on a fresh context: the run context may already be expired,
	// and a finished run must not be lost to that.
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.store.SaveRunResult(saveCtx, runID, res); err != nil {
		r.logger.Printf("run %s finished %s but result not saved: %v", runID, res.Status, err)
		return err
	}
	return runErr
}
