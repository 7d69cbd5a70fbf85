package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Job is one unit of periodic work. It should return when ctx is done.
type Job func(ctx context.Context) error

// Scheduler runs a Job once at start and then every period. At most one run
// is in flight; a tick that fires while the previous run is still going is
// skipped rather than queued.
type Scheduler struct {
	name   string
	period time.Duration
	job    Job
	logger *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

var tracer = otel.Tracer("scheduler")

func New(name string, period time.Duration, job Job, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		name:   name,
		period: period,
		job:    job,
		logger: logger.With("module", "scheduler", "job", name),
	}
}

// Start runs the job immediately and on every tick until ctx is cancelled.
// It does not block.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.TryRun(ctx)

		ticker := time.NewTicker(s.period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopping")
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					s.logger.Info("scheduler stopping")
					return
				}
				if !s.TryRun(ctx) {
					skippedTicks.WithLabelValues(s.name).Inc()
					s.logger.Warn("previous run still in progress, skipping tick")
				}
			}
		}
	}()
}

// TryRun starts a run in the background unless one is already in flight
// or ctx is done. It reports whether a run was started.
func (s *Scheduler) TryRun(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.run(ctx)
	}()
	return true
}

// Running reports whether a run is in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Wait blocks until the ticker loop and any in-flight run have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "run")
	defer span.End()
	span.SetAttributes(attribute.String("job", s.name))

	start := time.Now()
	inFlight.WithLabelValues(s.name).Set(1)
	defer inFlight.WithLabelValues(s.name).Set(0)

	err := s.job(ctx)

	status := "ok"
	if err != nil {
		status = "error"
		if ctx.Err() != nil {
			status = "cancelled"
		}
		s.logger.Error("run failed", "err", err, "duration", time.Since(start).String())
	} else {
		s.logger.Info("run finished", "duration", time.Since(start).String())
	}
	runsTotal.WithLabelValues(s.name, status).Inc()
	runDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
}
