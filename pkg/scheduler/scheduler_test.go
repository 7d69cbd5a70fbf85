package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestTryRunRejectsOverlap(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	s := New("test", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}, discardLogger)

	ctx := context.Background()
	if !s.TryRun(ctx) {
		t.Fatal("expected first run to start")
	}
	if s.TryRun(ctx) {
		t.Fatal("expected second run to be rejected while the first is in flight")
	}

	close(release)
	s.Wait()

	if s.Running() {
		t.Error("expected no run in flight after Wait")
	}
	if !s.TryRun(ctx) {
		t.Error("expected a run to start once the previous one finished")
	}
	s.Wait()

	if got := runs.Load(); got != 2 {
		t.Errorf("expected 2 runs, got %d", got)
	}
}

func TestStartRunsImmediately(t *testing.T) {
	started := make(chan struct{}, 1)
	s := New("test", time.Hour, func(ctx context.Context) error {
		started <- struct{}{}
		return nil
	}, discardLogger)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the first run to start without waiting for a tick")
	}

	cancel()
	s.Wait()
}

func TestSlowRunSkipsTicks(t *testing.T) {
	var active, maxActive, runs atomic.Int32
	s := New("test", 10*time.Millisecond, func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}, discardLogger)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(250 * time.Millisecond)
	cancel()
	s.Wait()

	if got := maxActive.Load(); got != 1 {
		t.Errorf("expected at most one concurrent run, saw %d", got)
	}
	if got := runs.Load(); got < 2 || got > 4 {
		t.Errorf("expected a handful of non-overlapping runs, got %d", got)
	}
}

func TestCancelStopsRun(t *testing.T) {
	stopped := make(chan error, 1)
	s := New("test", time.Hour, func(ctx context.Context) error {
		<-ctx.Done()
		stopped <- ctx.Err()
		return ctx.Err()
	}, discardLogger)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	s.Wait()

	select {
	case err := <-stopped:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	default:
		t.Fatal("expected the job to observe cancellation")
	}
}

func TestTryRunAfterCancel(t *testing.T) {
	var runs atomic.Int32
	s := New("test", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, discardLogger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if s.TryRun(ctx) {
		t.Error("expected no run to start once the context is cancelled")
	}
	s.Start(ctx)
	s.Wait()

	if got := runs.Load(); got != 0 {
		t.Errorf("expected no runs after cancellation, got %d", got)
	}
}
