package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler executes one job. The passed context carries the job timeout
// and is cancelled when the job is aborted; handlers must observe it at
// suspension points. Returning a RetryableError requeues the job.
type Handler func(ctx context.Context, job Job) error

// RetryableError marks a transient failure worth another delivery.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err for redelivery.
func Retryable(err error) error { return &RetryableError{Err: err} }

const (
	readBlock    = 5 * time.Second
	maxAttempts  = 3
	reclaimIdle  = 5 * time.Minute
	reclaimEvery = time.Minute
)

// Worker drains the queue with a bounded pool of goroutines.
type Worker struct {
	queue      *Queue
	handler    Handler
	jobTimeout time.Duration
	maxJobs    int
	logger     *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewWorker builds a worker pool of maxJobs goroutines; each job runs
// under jobTimeout.
func NewWorker(q *Queue, handler Handler, maxJobs int, jobTimeout time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		queue:      q,
		handler:    handler,
		jobTimeout: jobTimeout,
		maxJobs:    maxJobs,
		logger:     logger,
		running:    make(map[string]context.CancelFunc),
	}
}

// Run blocks until ctx is cancelled. It creates the consumer group,
// listens for abort broadcasts, reclaims stuck deliveries and runs the
// consume loops.
func (w *Worker) Run(ctx context.Context) error {
	err := w.queue.rdb.XGroupCreateMkStream(ctx, w.queue.stream, w.queue.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.listenCancels(ctx) })
	g.Go(func() error { return w.reclaimLoop(ctx) })
	for i := 0; i < w.maxJobs; i++ {
		g.Go(func() error { return w.consumeLoop(ctx) })
	}
	return g.Wait()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (w *Worker) consumeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := w.queue.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.queue.group,
			Consumer: w.queue.consumer,
			Streams:  []string{w.queue.stream, ">"},
			Count:    1,
			Block:    readBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("queue read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				w.process(ctx, decodeJob(msg))
			}
		}
	}
}

// process runs one job to completion and acknowledges it. Aborted jobs
// are acknowledged without running; transient failures are requeued up
// to maxAttempts.
func (w *Worker) process(ctx context.Context, job Job) {
	log := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("task", job.Task.Type),
		zap.String("deployment_id", job.Task.DeploymentID),
		zap.Int("attempt", job.Attempt),
	)

	if w.queue.Cancelled(ctx, job.ID) {
		log.Info("job aborted before start")
		w.finish(ctx, job)
		return
	}

	w.queue.setState(ctx, job.ID, stateRunning)

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	w.track(job.ID, cancel)
	err := w.runSafe(jobCtx, job)
	w.untrack(job.ID)
	cancel()

	switch {
	case err == nil:
		w.finish(ctx, job)
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		// Aborted mid-flight; the caller owns the state transition.
		log.Info("job aborted while running")
		w.finish(ctx, job)
	case errors.Is(err, context.DeadlineExceeded):
		// Exceeding job_timeout is terminal, never retried.
		log.Error("job timed out", zap.Duration("timeout", w.jobTimeout))
		w.finish(ctx, job)
	default:
		var retryable *RetryableError
		if errors.As(err, &retryable) && job.Attempt < maxAttempts {
			log.Warn("job failed, requeueing", zap.Error(err))
			if reErr := w.queue.add(ctx, job.ID, job.Task, job.Attempt+1); reErr != nil {
				log.Error("requeue failed", zap.Error(reErr))
			}
			w.queue.setState(ctx, job.ID, statePending)
			w.queue.rdb.XAck(ctx, w.queue.stream, w.queue.group, job.msgID)
			return
		}
		log.Error("job failed", zap.Error(err))
		w.finish(ctx, job)
	}
}

func (w *Worker) runSafe(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New("panic in job handler")
			w.logger.Error("job handler panicked",
				zap.String("job_id", job.ID), zap.Any("panic", rec))
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) finish(ctx context.Context, job Job) {
	w.queue.setState(ctx, job.ID, stateDone)
	w.queue.rdb.XAck(ctx, w.queue.stream, w.queue.group, job.msgID)
}

func (w *Worker) track(jobID string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.running[jobID] = cancel
	w.mu.Unlock()
}

func (w *Worker) untrack(jobID string) {
	w.mu.Lock()
	delete(w.running, jobID)
	w.mu.Unlock()
}

// listenCancels cancels the local context of any running job named on
// the abort channel.
func (w *Worker) listenCancels(ctx context.Context) error {
	sub := w.queue.rdb.Subscribe(ctx, cancelChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			w.mu.Lock()
			cancel, found := w.running[msg.Payload]
			w.mu.Unlock()
			if found {
				w.logger.Info("cancelling running job", zap.String("job_id", msg.Payload))
				cancel()
			}
		}
	}
}

// reclaimLoop re-delivers messages a dead consumer left pending.
func (w *Worker) reclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(reclaimEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			msgs, _, err := w.queue.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   w.queue.stream,
				Group:    w.queue.group,
				Consumer: w.queue.consumer,
				MinIdle:  reclaimIdle,
				Start:    "0-0",
				Count:    10,
			}).Result()
			if err != nil && err != redis.Nil {
				w.logger.Warn("reclaim failed", zap.Error(err))
				continue
			}
			for _, msg := range msgs {
				w.process(ctx, decodeJob(msg))
			}
		}
	}
}
