package deploy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTasksBoundsConcurrency(t *testing.T) {
	tasks := NewTasks(context.Background(), 2, discardLogger())
	var (
		running int32
		peak    int32
		entered int32
		release = make(chan struct{})
		started sync.WaitGroup
	)
	started.Add(2)
	for i := 0; i < 5; i++ {
		tasks.Go("job", func(context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			if atomic.AddInt32(&entered, 1) <= 2 {
				started.Done()
			}
			<-release
			atomic.AddInt32(&running, -1)
			return nil
		}, nil)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	tasks.Wait()

	if got := atomic.LoadInt32(&peak); got != 2 {
		t.Fatalf("expected at most 2 concurrent jobs, peak was %d", got)
	}
}

func TestTasksRunsFailureHookOnErrorAndPanic(t *testing.T) {
	tasks := NewTasks(context.Background(), 4, discardLogger())
	var (
		mu     sync.Mutex
		causes []string
	)
	hook := func(ctx context.Context, err error) {
		if ctx.Err() != nil {
			t.Errorf("failure hook got a done context: %v", ctx.Err())
		}
		mu.Lock()
		causes = append(causes, err.Error())
		mu.Unlock()
	}

	tasks.Go("error", func(context.Context) error { return errors.New("boom") }, hook)
	tasks.Go("panic", func(context.Context) error { panic("kaboom") }, hook)
	tasks.Go("ok", func(context.Context) error { return nil }, hook)
	tasks.Wait()

	if len(causes) != 2 {
		t.Fatalf("expected two failure hooks, got %v", causes)
	}
	joined := strings.Join(causes, "|")
	if !strings.Contains(joined, "boom") || !strings.Contains(joined, "panic: kaboom") {
		t.Fatalf("unexpected causes %v", causes)
	}
}

func TestTasksFailureHookSurvivesShutdown(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	tasks := NewTasks(base, 1, discardLogger())

	var hookCtxErr error
	done := make(chan struct{})
	tasks.Go("poll", func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}, func(ctx context.Context, err error) {
		hookCtxErr = ctx.Err()
		close(done)
	})
	tasks.Wait()

	select {
	case <-done:
	default:
		t.Fatal("expected failure hook to run")
	}
	if hookCtxErr != nil {
		t.Fatalf("failure hook context should outlive the base context, got %v", hookCtxErr)
	}
}

func TestTasksHookPanicIsContained(t *testing.T) {
	tasks := NewTasks(context.Background(), 1, discardLogger())
	tasks.Go("job", func(context.Context) error { return errors.New("fail") }, func(context.Context, error) {
		panic("hook exploded")
	})
	tasks.Wait()
}
