// Package reaper removes containers orphaned by redeploys and
// rollbacks, and runs the project deletion cascade. It never touches a
// deployment an alias still points at, current or previous, so a
// rollback target always has a live container to swap back to.
package reaper

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ember-sh/ember/internal/model"
)

// deleteBatchSize bounds one round of deployment row deletion.
const deleteBatchSize = 100

// Store is the persistence surface the reaper drives.
type Store interface {
	ActiveDeploymentIDs(ctx context.Context, projectID string) ([]string, error)
	ListReapable(ctx context.Context, projectID string, protected []string) ([]*model.Deployment, error)
	SetContainerStatus(ctx context.Context, id string, status model.ContainerStatus) error
	ListProjectContainers(ctx context.Context, projectID string) ([]*model.Deployment, error)
	ListProjectAliases(ctx context.Context, projectID string) ([]model.Alias, error)
	ListProjectDomains(ctx context.Context, projectID string) ([]model.Domain, error)
	DeleteProjectAliases(ctx context.Context, projectID string) error
	DeleteProjectDomains(ctx context.Context, projectID string) error
	DeleteDeploymentsBatch(ctx context.Context, projectID string, limit int) (int64, error)
	DeleteProject(ctx context.Context, id string) error
	ListProjectIDs(ctx context.Context) ([]string, error)
}

// Runtime stops and removes containers.
type Runtime interface {
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
}

// Router removes per-project edge config.
type Router interface {
	Remove(projectID string) error
}

// Reaper tears down inactive resources.
type Reaper struct {
	store   Store
	runtime Runtime
	router  Router
	logger  *zap.Logger
}

// New builds a Reaper.
func New(store Store, runtime Runtime, router Router, logger *zap.Logger) *Reaper {
	return &Reaper{store: store, runtime: runtime, router: router, logger: logger}
}

// CleanupInactive stops (and with remove set, deletes) the containers
// of completed deployments no alias references. Per-container failures
// are logged and skipped; the batch always finishes.
func (r *Reaper) CleanupInactive(ctx context.Context, projectID string, remove bool) error {
	protected, err := r.store.ActiveDeploymentIDs(ctx, projectID)
	if err != nil {
		return err
	}
	deployments, err := r.store.ListReapable(ctx, projectID, protected)
	if err != nil {
		return err
	}
	for _, d := range deployments {
		r.reapOne(ctx, d, remove)
	}
	return nil
}

func (r *Reaper) reapOne(ctx context.Context, d *model.Deployment, remove bool) {
	status := model.ContainerStopped
	err := r.runtime.Stop(ctx, d.ContainerID)
	if err == nil && remove {
		err = r.runtime.Remove(ctx, d.ContainerID)
		if err == nil {
			status = model.ContainerRemoved
		}
	}
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			r.logger.Warn("reap container failed",
				zap.String("deployment_id", d.ID),
				zap.String("container_id", d.ContainerID), zap.Error(err))
			return
		}
		// Docker lost the container; clear the record.
		status = model.ContainerNone
	}
	if err := r.store.SetContainerStatus(ctx, d.ID, status); err != nil {
		r.logger.Warn("record container status failed",
			zap.String("deployment_id", d.ID), zap.Error(err))
	}
}

// CleanupProject runs the deletion cascade for a deleted project:
// containers, aliases and domains, deployment rows in batches, router
// config, then the project row itself.
func (r *Reaper) CleanupProject(ctx context.Context, projectID string) error {
	containers, err := r.store.ListProjectContainers(ctx, projectID)
	if err != nil {
		return err
	}
	for _, d := range containers {
		if d.ContainerStat == model.ContainerRemoved || d.ContainerStat == model.ContainerNone {
			continue
		}
		if err := r.runtime.Remove(ctx, d.ContainerID); err != nil && !errors.Is(err, model.ErrNotFound) {
			r.logger.Warn("remove container failed",
				zap.String("deployment_id", d.ID), zap.Error(err))
		}
	}

	if err := r.store.DeleteProjectAliases(ctx, projectID); err != nil {
		return err
	}
	if err := r.store.DeleteProjectDomains(ctx, projectID); err != nil {
		return err
	}

	for {
		n, err := r.store.DeleteDeploymentsBatch(ctx, projectID, deleteBatchSize)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}

	if err := r.router.Remove(projectID); err != nil {
		r.logger.Warn("remove router config failed",
			zap.String("project_id", projectID), zap.Error(err))
	}
	return r.store.DeleteProject(ctx, projectID)
}

// Sweep is the periodic pass: reap inactive containers everywhere and
// drop router config files for projects with nothing left to route.
func (r *Reaper) Sweep(ctx context.Context) error {
	ids, err := r.store.ListProjectIDs(ctx)
	if err != nil {
		return err
	}
	for _, projectID := range ids {
		if err := r.CleanupInactive(ctx, projectID, true); err != nil {
			r.logger.Warn("sweep project failed",
				zap.String("project_id", projectID), zap.Error(err))
			continue
		}
		aliases, err := r.store.ListProjectAliases(ctx, projectID)
		if err != nil {
			continue
		}
		domains, err := r.store.ListProjectDomains(ctx, projectID)
		if err != nil {
			continue
		}
		if len(aliases) == 0 && len(domains) == 0 {
			if err := r.router.Remove(projectID); err != nil {
				r.logger.Warn("remove router config failed",
					zap.String("project_id", projectID), zap.Error(err))
			}
		}
	}
	return nil
}
