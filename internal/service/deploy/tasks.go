package deploy

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/sync/semaphore"
)

const finalizeTimeout = 10 * time.Second

// Tasks runs detached background jobs that outlive the request that started them. Each job
// gets a panic boundary and a failure hook, and at most limit jobs run at once.
type Tasks struct {
	base   context.Context
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewTasks returns a runner whose jobs are cancelled when base is done.
func NewTasks(base context.Context, limit int, logger *slog.Logger) *Tasks {
	if base == nil {
		base = context.Background()
	}
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tasks{
		base:   base,
		sem:    semaphore.NewWeighted(int64(limit)),
		logger: logger.With("component", "tasks"),
	}
}

// Go starts job in the background. When job returns an error or panics, onFailure runs with
// a fresh context that survives cancellation of the base context.
func (t *Tasks) Go(name string, job func(context.Context) error, onFailure func(context.Context, error)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := t.acquireAndRun(job)
		if err == nil {
			return
		}
		t.logger.Error("background task failed", "task", name, "error", err)
		if onFailure == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(t.base), finalizeTimeout)
		defer cancel()
		if hookErr := t.safely(func() error { onFailure(ctx, err); return nil }); hookErr != nil {
			t.logger.Error("background task failure hook panicked", "task", name, "error", hookErr)
		}
	}()
}

// Wait blocks until every started job and failure hook has returned.
func (t *Tasks) Wait() {
	t.wg.Wait()
}

func (t *Tasks) acquireAndRun(job func(context.Context) error) error {
	if err := t.sem.Acquire(t.base, 1); err != nil {
		return fmt.Errorf("acquire task slot: %w", err)
	}
	defer t.sem.Release(1)
	return t.safely(func() error { return job(t.base) })
}

func (t *Tasks) safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			t.logger.Error("recovered panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return fn()
}
