// Package schedule launches recurring research runs for tasks that carry a
// cron spec.
package schedule

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/prospector/internal/store"
)

// Runner executes one research run end to end and persists its result.
// The HTTP API and the scheduler share the same implementation.
type Runner interface {
	Execute(ctx context.Context, task store.Task, runID string) error
}

type Scheduler struct {
	Store  *store.Store
	Runner Runner
	Stop   chan struct{}
	Rdb    *redis.Client

	// Interval between scans. Defaults to one minute.
	Interval time.Duration
	// RunTimeout bounds a single launched run. Defaults to 15 minutes.
	RunTimeout time.Duration

	logger *log.Logger
}

func (s *Scheduler) Start() {
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.RunTimeout <= 0 {
		s.RunTimeout = 15 * time.Minute
	}
	if s.logger == nil {
		s.logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	ticker := time.NewTicker(s.Interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	tasks, err := s.Store.ListScheduledTasks(ctx)
	if err != nil {
		return
	}
	for _, t := range tasks {
		last, _ := s.Store.LatestRunTime(ctx, t.ID)
		if !isDue(t.CronSpec, last) {
			continue
		}

		// Distributed lock to avoid duplicate runs across instances. The
		// lock expires on its own; a held lock within the window means
		// another instance already launched.
		if s.Rdb != nil {
			lockKey := "sched:lock:" + t.ID
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
		}

		runID, err := s.Store.CreateRun(ctx, t.ID, store.RunStatusRunning)
		if err != nil {
			continue
		}

		timeout := s.RunTimeout
		if timeout <= 0 {
			timeout = 15 * time.Minute
		}
		go func(task store.Task, runID string) {
			// jitter to avoid stampedes
			time.Sleep(time.Duration(250+int64(time.Now().UnixNano()%250)) * time.Millisecond)
			runCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := s.Runner.Execute(runCtx, task, runID); err != nil {
				if s.logger != nil {
					s.logger.Printf("scheduled run %s failed: %v", runID, err)
				}
				_ = s.Store.FinishRun(context.Background(), runID, store.RunStatusFailed, strPtr(err.Error()))
			}
		}(t, runID)
	}
}

// isDue determines if a task with cronSpec should run now based on last run time.
// Supports "@daily", "@hourly", and standard 5-field cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Fallback: treat as @daily if invalid
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}

func strPtr(s string) *string { return &s }
