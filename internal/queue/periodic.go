package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PeriodicJob enqueues a task on a fixed interval, cron-style. The
// Redis lock keeps multiple worker processes from double-enqueueing
// the same tick.
type PeriodicJob struct {
	Name  string
	Every time.Duration
	Task  Task
}

// Scheduler drives the registered periodic jobs.
type Scheduler struct {
	queue  *Queue
	jobs   []PeriodicJob
	logger *zap.Logger
}

// NewScheduler builds a scheduler over the shared queue.
func NewScheduler(q *Queue, logger *zap.Logger) *Scheduler {
	return &Scheduler{queue: q, logger: logger}
}

// Register adds a periodic job; call before Run.
func (s *Scheduler) Register(job PeriodicJob) {
	s.jobs = append(s.jobs, job)
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		g.Go(func() error { return s.tickLoop(ctx, job) })
	}
	return g.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context, job PeriodicJob) error {
	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Half-interval lock: one enqueue per tick across processes.
			ok, err := s.queue.rdb.SetNX(ctx, "ember:periodic:"+job.Name, "1", job.Every/2).Result()
			if err != nil {
				s.logger.Warn("periodic lock failed", zap.String("job", job.Name), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			if _, err := s.queue.Enqueue(ctx, job.Task); err != nil {
				s.logger.Error("periodic enqueue failed", zap.String("job", job.Name), zap.Error(err))
			}
		}
	}
}
