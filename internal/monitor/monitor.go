// Package monitor watches in-progress deployments. It is the only
// component that decides readiness: it inspects each deployment's
// container, probes its HTTP port on the runner network, and enqueues
// the finalize or fail job. Running it as its own process means a
// wedged worker can never stall the readiness verdict.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ember-sh/ember/internal/docker"
	"github.com/ember-sh/ember/internal/model"
	"github.com/ember-sh/ember/internal/queue"
)

const sweepInterval = 2 * time.Second

// Store lists the deployments to watch.
type Store interface {
	ListInProgress(ctx context.Context) ([]*model.Deployment, error)
}

// Runtime inspects containers.
type Runtime interface {
	Inspect(ctx context.Context, containerID string) (*docker.ContainerState, error)
}

// Queue enqueues the resulting transition jobs.
type Queue interface {
	Enqueue(ctx context.Context, task queue.Task) (string, error)
}

// Monitor drives the probe loop.
type Monitor struct {
	store   Store
	runtime Runtime
	queue   Queue
	logger  *zap.Logger

	deploymentTimeout time.Duration
	probe             func(ctx context.Context, addr string) (int, error)

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New builds a Monitor. probeTimeout bounds each readiness request.
func New(store Store, runtime Runtime, q Queue, deploymentTimeout, probeTimeout time.Duration, logger *zap.Logger) *Monitor {
	client := &http.Client{Timeout: probeTimeout}
	return &Monitor{
		store:             store,
		runtime:           runtime,
		queue:             q,
		logger:            logger,
		deploymentTimeout: deploymentTimeout,
		inflight:          map[string]struct{}{},
		probe: func(ctx context.Context, addr string) (int, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
			if err != nil {
				return 0, err
			}
			res, err := client.Do(req)
			if err != nil {
				return 0, err
			}
			res.Body.Close()
			return res.StatusCode, nil
		},
	}
}

// Run sweeps until the context ends. The first sweep doubles as crash
// recovery: any deployment left in_progress by a dead worker gets
// re-inspected immediately.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		m.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep checks every in-progress deployment once. Each deployment has
// at most one in-flight check across sweeps.
func (m *Monitor) Sweep(ctx context.Context) {
	deployments, err := m.store.ListInProgress(ctx)
	if err != nil {
		m.logger.Error("list in-progress deployments failed", zap.Error(err))
		return
	}
	for _, d := range deployments {
		if !m.claim(d.ID) {
			continue
		}
		go func(d *model.Deployment) {
			defer m.release(d.ID)
			m.check(ctx, d)
		}(d)
	}
}

func (m *Monitor) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[id]; ok {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Monitor) release(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

func (m *Monitor) check(ctx context.Context, d *model.Deployment) {
	if time.Since(d.CreatedAt) > m.deploymentTimeout {
		m.fail(ctx, d, "timeout")
		return
	}
	if d.ContainerID == "" || d.ContainerStat != model.ContainerRunning {
		// Start job has not created the container yet; the timeout
		// branch above eventually settles crashed starts.
		return
	}

	st, err := m.runtime.Inspect(ctx, d.ContainerID)
	if err != nil {
		m.logger.Warn("inspect container failed",
			zap.String("deployment_id", d.ID), zap.Error(err))
		return
	}
	if !st.Running {
		m.fail(ctx, d, fmt.Sprintf("Container exited with code %d", st.ExitCode))
		return
	}
	if st.IP == "" {
		return
	}

	status, err := m.probe(ctx, docker.ProbeAddr(st.IP))
	if err != nil || status >= 500 {
		return
	}
	if _, err := m.queue.Enqueue(ctx, queue.Task{
		Type:         queue.TaskDeploymentFinalize,
		ProjectID:    d.ProjectID,
		DeploymentID: d.ID,
	}); err != nil {
		m.logger.Error("enqueue finalize failed",
			zap.String("deployment_id", d.ID), zap.Error(err))
	}
}

func (m *Monitor) fail(ctx context.Context, d *model.Deployment, reason string) {
	if _, err := m.queue.Enqueue(ctx, queue.Task{
		Type:         queue.TaskDeploymentFail,
		ProjectID:    d.ProjectID,
		DeploymentID: d.ID,
		Reason:       reason,
	}); err != nil {
		m.logger.Error("enqueue fail failed",
			zap.String("deployment_id", d.ID), zap.Error(err))
	}
}
