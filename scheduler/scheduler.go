// Package scheduler runs periodic maintenance on independent timers. A job
// that fails or panics is logged and counted; it never stops the others.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bourse/infra/metrics"
)

// Job is one scheduled task. Every <= 0 runs it once after Delay.
type Job struct {
	Name  string
	Delay time.Duration
	Every time.Duration
	Run   func(ctx context.Context) error
}

type Scheduler struct {
	jobs []Job
	log  *zap.Logger
}

func New(log *zap.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, log: log.Named("scheduler")}
}

func (s *Scheduler) Add(j Job) { s.jobs = append(s.jobs, j) }

// Run starts every job and blocks until ctx is done and running jobs have
// returned.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, j)
		}()
	}
	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	t := time.NewTimer(j.Delay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		_ = s.runOnce(ctx, j)
		if j.Every <= 0 {
			return
		}
		t.Reset(j.Every)
	}
}

// runOnce executes j with panic containment and records the outcome.
func (s *Scheduler) runOnce(ctx context.Context, j Job) (err error) {
	log := s.log.With(zap.String("job", j.Name))
	start := time.Now()
	defer func() {
		result := "ok"
		if r := recover(); r != nil {
			result = "panic"
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
			log.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
		} else if err != nil {
			result = "error"
			log.Warn("job failed", zap.Duration("took", time.Since(start)), zap.Error(err))
		} else {
			log.Debug("job done", zap.Duration("took", time.Since(start)))
		}
		metrics.JobRuns.WithLabelValues(j.Name, result).Inc()
	}()
	return j.Run(ctx)
}
