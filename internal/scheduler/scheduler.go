// Package scheduler drives the periodic background jobs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic task. Run is invoked once per tick; a returned error
// is logged and the job keeps ticking.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler fans the jobs out onto independent tickers. A slow tick of one
// job never delays another; serialization, where needed, is internal to the
// job itself.
type Scheduler struct {
	jobs   []Job
	logger *zap.Logger
}

// New creates a Scheduler.
func New(logger *zap.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, logger: logger}
}

// Run starts all jobs and blocks until the context finishes and every
// in-flight tick has returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.runJob(ctx, j)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, j Job) {
	logger := s.logger.Named(j.Name)
	logger.Info("job started", zap.Duration("every", j.Every))

	ticker := time.NewTicker(j.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("job stopped")
			return
		case <-ticker.C:
			s.tick(ctx, j, logger)
		}
	}
}

// tick isolates one job invocation: a panic or error in a tick must never
// take the process down.
func (s *Scheduler) tick(ctx context.Context, j Job, logger *zap.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("job tick panicked", zap.Any("panic", rec))
		}
	}()
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("job tick failed", zap.Error(err))
	}
}
