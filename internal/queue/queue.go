// Package queue is the durable task queue backing the deployment state
// machine and the reaper. Tasks live on a Redis stream consumed through
// a consumer group, so an enqueued task survives worker crashes and is
// re-delivered by the reclaimer. Delivery is at-least-once; every
// handler must therefore be idempotent.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Task types dispatched by the worker pool.
const (
	TaskDeploymentStart    = "deployment_start"
	TaskDeploymentFinalize = "deployment_finalize"
	TaskDeploymentFail     = "deployment_fail"
	TaskCleanupInactive    = "cleanup_inactive_deployments"
	TaskCleanupProject     = "cleanup_project"
	TaskReaperSweep        = "reaper_sweep"
)

const (
	defaultStream = "ember:jobs"
	defaultGroup  = "workers"

	// cancelChannel broadcasts aborts to workers holding a running job.
	cancelChannel = "ember:jobs:cancel"

	// jobStateTTL bounds how long Abort can still find a settled job.
	jobStateTTL = 24 * time.Hour
)

// Job states tracked per job id.
const (
	statePending = "pending"
	stateRunning = "running"
	stateDone    = "done"
)

// Task is the payload of one queued job.
type Task struct {
	Type         string
	ProjectID    string
	DeploymentID string
	Reason       string
	Remove       bool
}

// Job is a delivered task plus its delivery metadata.
type Job struct {
	ID      string
	Task    Task
	Attempt int

	msgID string
}

// Queue enqueues, aborts and delivers jobs.
type Queue struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
}

// New builds a Queue over a connected Redis client. The consumer name
// must be unique per worker process.
func New(rdb *redis.Client, consumer string) *Queue {
	return &Queue{
		rdb:      rdb,
		stream:   defaultStream,
		group:    defaultGroup,
		consumer: consumer,
	}
}

func jobStateKey(jobID string) string  { return "ember:jobs:state:" + jobID }
func jobCancelKey(jobID string) string { return "ember:jobs:cancelled:" + jobID }

// Enqueue appends a task to the stream and returns its job id. The id
// is persisted by callers (on the Deployment row) so the job can later
// be aborted.
func (q *Queue) Enqueue(ctx context.Context, task Task) (string, error) {
	jobID := uuid.NewString()
	if err := q.rdb.Set(ctx, jobStateKey(jobID), statePending, jobStateTTL).Err(); err != nil {
		return "", fmt.Errorf("persist job state: %w", err)
	}
	if err := q.add(ctx, jobID, task, 1); err != nil {
		return "", err
	}
	return jobID, nil
}

func (q *Queue) add(ctx context.Context, jobID string, task Task, attempt int) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"job_id":        jobID,
			"type":          task.Type,
			"project_id":    task.ProjectID,
			"deployment_id": task.DeploymentID,
			"reason":        task.Reason,
			"remove":        strconv.FormatBool(task.Remove),
			"attempt":       strconv.Itoa(attempt),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type, err)
	}
	return nil
}

// Abort requests cancellation of an enqueued or running job. It
// returns true iff the job existed, had not finished, and the signal
// was delivered: a still-pending job is skipped when picked up, a
// running job has its context cancelled at the next suspension point.
func (q *Queue) Abort(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	state, err := q.rdb.Get(ctx, jobStateKey(jobID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read job state: %w", err)
	}
	if state == stateDone {
		return false, nil
	}
	if err := q.rdb.Set(ctx, jobCancelKey(jobID), "1", jobStateTTL).Err(); err != nil {
		return false, fmt.Errorf("mark job cancelled: %w", err)
	}
	if err := q.rdb.Publish(ctx, cancelChannel, jobID).Err(); err != nil {
		return false, fmt.Errorf("broadcast cancel: %w", err)
	}
	return true, nil
}

// Cancelled reports whether an abort was recorded for the job.
func (q *Queue) Cancelled(ctx context.Context, jobID string) bool {
	n, err := q.rdb.Exists(ctx, jobCancelKey(jobID)).Result()
	return err == nil && n > 0
}

func (q *Queue) setState(ctx context.Context, jobID, state string) {
	q.rdb.Set(ctx, jobStateKey(jobID), state, jobStateTTL)
}

func decodeJob(msg redis.XMessage) Job {
	job := Job{msgID: msg.ID}
	get := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	job.ID = get("job_id")
	job.Task = Task{
		Type:         get("type"),
		ProjectID:    get("project_id"),
		DeploymentID: get("deployment_id"),
		Reason:       get("reason"),
		Remove:       get("remove") == "true",
	}
	job.Attempt, _ = strconv.Atoi(get("attempt"))
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	return job
}
