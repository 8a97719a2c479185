// Package deploy is the deployment state machine. It owns the
// queued → in_progress → completed lifecycle, the container start
// pipeline, alias publication on success, and rollback. Every
// transition is one-shot at the storage layer, so job redelivery and
// crashed workers can never corrupt a settled deployment.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ember-sh/ember/internal/crypto"
	"github.com/ember-sh/ember/internal/envmatch"
	"github.com/ember-sh/ember/internal/events"
	"github.com/ember-sh/ember/internal/github"
	"github.com/ember-sh/ember/internal/model"
	"github.com/ember-sh/ember/internal/names"
	"github.com/ember-sh/ember/internal/queue"
)

// Store is the persistence surface the state machine drives.
type Store interface {
	GetProject(ctx context.Context, id string) (*model.Project, error)
	CreateDeployment(ctx context.Context, d *model.Deployment) error
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	SetDeploymentJobID(ctx context.Context, id, jobID string) error
	MarkInProgress(ctx context.Context, id string) (bool, error)
	SetContainer(ctx context.Context, id, containerID string, status model.ContainerStatus) error
	SetContainerStatus(ctx context.Context, id string, status model.ContainerStatus) error
	Conclude(ctx context.Context, id string, conclusion model.DeploymentConclusion) (bool, error)
	UpsertAlias(ctx context.Context, a *model.Alias) error
	GetAliasBySubdomain(ctx context.Context, subdomain string) (*model.Alias, error)
	SwapAlias(ctx context.Context, subdomain string) (bool, error)
	ListProjectAliases(ctx context.Context, projectID string) ([]model.Alias, error)
	ListProjectDomains(ctx context.Context, projectID string) ([]model.Domain, error)
}

// Runtime is the container daemon surface.
type Runtime interface {
	Create(ctx context.Context, d *model.Deployment, env []string, script string) (string, error)
	Start(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Exec(ctx context.Context, containerID string, cmd []string) error
}

// Tokens mints short-lived clone credentials.
type Tokens interface {
	GetInstallationToken(ctx context.Context, installationID int64) (*github.InstallationToken, error)
}

// Bus publishes state-change events.
type Bus interface {
	PublishUpdate(ctx context.Context, ev events.Event) (string, error)
	PublishStatusChange(ctx context.Context, projectID, deploymentID, status string) error
}

// Queue enqueues and aborts jobs.
type Queue interface {
	Enqueue(ctx context.Context, task queue.Task) (string, error)
	Abort(ctx context.Context, jobID string) (bool, error)
}

// Router rewrites per-project edge config.
type Router interface {
	Sync(projectID string, aliases []model.Alias, domains []model.Domain) error
}

// Service wires the collaborators together.
type Service struct {
	store   Store
	runtime Runtime
	tokens  Tokens
	bus     Bus
	queue   Queue
	router  Router
	box     *crypto.Box
	logger  *zap.Logger

	// cloneHost is the Git host for HTTPS clone URLs.
	cloneHost string
}

// New builds a Service.
func New(store Store, runtime Runtime, tokens Tokens, bus Bus, q Queue, router Router, box *crypto.Box, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		runtime:   runtime,
		tokens:    tokens,
		bus:       bus,
		queue:     q,
		router:    router,
		box:       box,
		logger:    logger,
		cloneHost: "github.com",
	}
}

// Create resolves the target environment, snapshots the project's
// config and env vars onto a new queued deployment, and enqueues its
// start job.
func (s *Service) Create(ctx context.Context, project *model.Project, branch string, commit model.Commit, trigger model.Trigger) (*model.Deployment, error) {
	env := envmatch.Match(branch, project.Environments)
	if env == nil {
		return nil, fmt.Errorf("branch %q: %w", branch, model.ErrNoEnvironmentForBranch)
	}

	d := &model.Deployment{
		ID:            model.NewDeploymentID(),
		ProjectID:     project.ID,
		EnvironmentID: env.ID,
		Branch:        branch,
		CommitSHA:     commit.SHA,
		CommitMessage: commit.Message,
		CommitAuthor:  commit.Author,
		CommitDate:    commit.Date,
		Config:        project.Config,
		EnvVarsSealed: project.EnvVarsSealed,
		Status:        model.DeploymentQueued,
		Trigger:       trigger,
	}
	if err := s.store.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}

	jobID, err := s.queue.Enqueue(ctx, queue.Task{
		Type:         queue.TaskDeploymentStart,
		ProjectID:    project.ID,
		DeploymentID: d.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue start for deployment %s: %w", d.ID, err)
	}
	d.JobID = jobID
	if err := s.store.SetDeploymentJobID(ctx, d.ID, jobID); err != nil {
		return nil, err
	}

	if _, err := s.bus.PublishUpdate(ctx, events.Event{
		Type:             events.TypeDeploymentCreation,
		ProjectID:        project.ID,
		DeploymentID:     d.ID,
		DeploymentStatus: string(model.DeploymentQueued),
	}); err != nil {
		s.logger.Warn("publish deployment_creation failed",
			zap.String("deployment_id", d.ID), zap.Error(err))
	}
	return d, nil
}

// Start runs the container start pipeline for a queued deployment.
// Every failure inside is converted to a terminal failed state; Start
// itself only errors when even that conversion is impossible.
func (s *Service) Start(ctx context.Context, deploymentID string) error {
	d, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return retryable(err)
	}
	if d.Terminal() {
		return nil
	}
	project, err := s.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		return retryable(err)
	}

	if project.Status != model.ProjectActive {
		if _, err := s.store.Conclude(ctx, d.ID, model.ConclusionSkipped); err != nil {
			return err
		}
		s.publishStatus(ctx, d, string(model.ConclusionSkipped))
		return nil
	}

	ok, err := s.store.MarkInProgress(ctx, d.ID)
	if err != nil {
		return err
	}
	if !ok {
		// Redelivered start job; the monitor owns the rest.
		return nil
	}
	s.publishStatus(ctx, d, string(model.DeploymentInProgress))

	if err := s.launch(ctx, project, d); err != nil {
		s.logger.Error("deployment start failed",
			zap.String("deployment_id", d.ID), zap.Error(err))
		// The launch may have died because ctx was cancelled; the
		// unwind still has to settle the row and tear the container
		// down, so it runs on a detached context.
		return s.Fail(context.WithoutCancel(ctx), d.ID, err.Error())
	}
	return nil
}

func (s *Service) launch(ctx context.Context, project *model.Project, d *model.Deployment) error {
	tok, err := s.tokens.GetInstallationToken(ctx, project.InstallationID)
	if err != nil {
		return model.Runtime("fetch installation token", err)
	}

	envVars, err := s.box.OpenEnvVars(d.EnvVarsSealed)
	if err != nil {
		return model.Runtime("decrypt env vars", err)
	}
	env := make([]string, 0, len(envVars))
	for _, v := range envVars {
		env = append(env, v.Key+"="+v.Value)
	}

	script := s.buildScript(project.RepoRef, d, tok.Token)
	containerID, err := s.runtime.Create(ctx, d, env, script)
	if err != nil {
		return model.Runtime("create container", err)
	}
	// Record the container before starting it, on a detached context,
	// so a cancellation landing mid-launch still leaves an id for the
	// teardown and the reaper to find.
	if err := s.store.SetContainer(context.WithoutCancel(ctx), d.ID, containerID, model.ContainerRunning); err != nil {
		return model.Runtime("record container", err)
	}
	if err := s.runtime.Start(ctx, containerID); err != nil {
		return model.Runtime("start container", err)
	}
	return nil
}

// buildScript composes the ordered shell pipeline the container runs:
// clone, enter the root directory, build, pre-deploy, start.
func (s *Service) buildScript(repoRef string, d *model.Deployment, token string) string {
	sha7 := d.CommitSHA
	if len(sha7) > 7 {
		sha7 = sha7[:7]
	}
	cloneURL := fmt.Sprintf("https://x-access-token:%s@%s/%s.git", token, s.cloneHost, repoRef)

	steps := []string{
		fmt.Sprintf("echo 'Cloning %s (Branch:%s, Commit:%s)'", repoRef, d.Branch, sha7),
		fmt.Sprintf("git init -q && git fetch -q --depth 1 %s %s && git checkout -q FETCH_HEAD", cloneURL, d.CommitSHA),
	}
	if root := d.Config.RootDirectory; root != "" && root != "." && root != "./" {
		steps = append(steps, fmt.Sprintf(
			`if [ -d %q ]; then cd %q; else printf '\033[0;31mError: root directory %s not found\033[0m\n' >&2; exit 1; fi`,
			root, root, root))
	}
	if d.Config.BuildCommand != "" {
		steps = append(steps, d.Config.BuildCommand)
	}
	if d.Config.PreDeployCommand != "" {
		steps = append(steps, d.Config.PreDeployCommand)
	}
	steps = append(steps, d.Config.StartCommand)
	return strings.Join(steps, " && ")
}

// Finalize promotes a ready deployment: terminal succeeded state, the
// three aliases, fresh router config, and the inactive-container
// cleanup job. Re-running on a settled deployment is a no-op.
func (s *Service) Finalize(ctx context.Context, deploymentID string) error {
	d, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return retryable(err)
	}
	project, err := s.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		return retryable(err)
	}

	applied, err := s.store.Conclude(ctx, d.ID, model.ConclusionSucceeded)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	env := findEnvironment(project, d.EnvironmentID)
	aliases := []*model.Alias{
		{
			Subdomain:     names.EnvironmentAlias(project.Slug, env),
			Type:          model.AliasEnvironment,
			Value:         env.Slug,
			EnvironmentID: env.ID,
		},
		{
			Subdomain:     names.EnvironmentIDAlias(project.Slug, env.ID),
			Type:          model.AliasEnvironmentID,
			Value:         env.ID,
			EnvironmentID: env.ID,
		},
		{
			Subdomain: names.BranchAlias(project.Slug, d.Branch),
			Type:      model.AliasBranch,
			Value:     d.Branch,
		},
	}
	for _, a := range aliases {
		a.ID = uuid.NewString()
		a.ProjectID = project.ID
		a.DeploymentID = d.ID
		if err := s.store.UpsertAlias(ctx, a); err != nil {
			return err
		}
	}

	s.syncRouter(ctx, project.ID)
	s.publishStatus(ctx, d, string(model.ConclusionSucceeded))

	if _, err := s.queue.Enqueue(ctx, queue.Task{
		Type:      queue.TaskCleanupInactive,
		ProjectID: project.ID,
		Remove:    true,
	}); err != nil {
		s.logger.Warn("enqueue inactive cleanup failed",
			zap.String("project_id", project.ID), zap.Error(err))
	}
	return nil
}

// Fail drives a deployment to completed/failed, tearing down its
// container first so the reason line reaches the log stream before the
// stream closes.
func (s *Service) Fail(ctx context.Context, deploymentID, reason string) error {
	d, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return retryable(err)
	}
	s.teardownContainer(ctx, d, reason)

	applied, err := s.store.Conclude(ctx, d.ID, model.ConclusionFailed)
	if err != nil {
		return err
	}
	if applied {
		s.publishStatus(ctx, d, string(model.ConclusionFailed))
	}
	return nil
}

// Cancel aborts the deployment's job and settles the row as canceled.
// ErrInvalidState when the job already finished.
func (s *Service) Cancel(ctx context.Context, deploymentID string) error {
	d, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Terminal() {
		return fmt.Errorf("deployment %s already completed: %w", d.ID, model.ErrInvalidState)
	}

	ok, err := s.queue.Abort(ctx, d.JobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("deployment %s job already finished: %w", d.ID, model.ErrInvalidState)
	}

	s.teardownContainer(ctx, d, "Deployment canceled")

	applied, err := s.store.Conclude(ctx, d.ID, model.ConclusionCanceled)
	if err != nil {
		return err
	}
	if applied {
		s.publishStatus(ctx, d, string(model.ConclusionCanceled))
	}
	return nil
}

// Rollback swaps an environment alias back to its previous deployment.
func (s *Service) Rollback(ctx context.Context, project *model.Project, environmentID string) error {
	env := findEnvironment(project, environmentID)
	subdomain := names.EnvironmentAlias(project.Slug, env)

	alias, err := s.store.GetAliasBySubdomain(ctx, subdomain)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("environment %s has no deployments: %w", environmentID, model.ErrNoPreviousDeployment)
		}
		return err
	}
	if alias.PreviousDeploymentID == "" {
		return fmt.Errorf("environment %s: %w", environmentID, model.ErrNoPreviousDeployment)
	}

	swapped, err := s.store.SwapAlias(ctx, subdomain)
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("environment %s: %w", environmentID, model.ErrNoPreviousDeployment)
	}

	s.syncRouter(ctx, project.ID)

	if _, err := s.bus.PublishUpdate(ctx, events.Event{
		Type:                 events.TypeDeploymentRollback,
		ProjectID:            project.ID,
		DeploymentID:         alias.PreviousDeploymentID,
		PreviousDeploymentID: alias.DeploymentID,
	}); err != nil {
		s.logger.Warn("publish deployment_rollback failed",
			zap.String("project_id", project.ID), zap.Error(err))
	}
	return nil
}

// teardownContainer kills and removes the deployment's container.
// Docker "not found" clears the record; other failures are logged and
// the terminal transition proceeds anyway.
func (s *Service) teardownContainer(ctx context.Context, d *model.Deployment, reason string) {
	if d.ContainerID == "" || d.ContainerStat == model.ContainerRemoved || d.ContainerStat == model.ContainerStopped {
		return
	}
	if reason != "" && d.ContainerStat == model.ContainerRunning {
		// Surface the reason on the container's own log stream.
		if err := s.runtime.Exec(ctx, d.ContainerID, []string{"sh", "-c", "echo " + shellQuote("Error: "+reason)}); err != nil {
			s.logger.Debug("log injection failed",
				zap.String("container_id", d.ContainerID), zap.Error(err))
		}
	}
	status := model.ContainerRemoved
	if err := s.runtime.Remove(ctx, d.ContainerID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			status = model.ContainerNone
		} else {
			s.logger.Warn("remove container failed",
				zap.String("container_id", d.ContainerID), zap.Error(err))
			return
		}
	}
	if err := s.store.SetContainerStatus(ctx, d.ID, status); err != nil {
		s.logger.Warn("record container status failed",
			zap.String("deployment_id", d.ID), zap.Error(err))
	}
}

func (s *Service) syncRouter(ctx context.Context, projectID string) {
	aliases, err := s.store.ListProjectAliases(ctx, projectID)
	if err != nil {
		s.logger.Warn("router sync: list aliases failed",
			zap.String("project_id", projectID), zap.Error(err))
		return
	}
	domains, err := s.store.ListProjectDomains(ctx, projectID)
	if err != nil {
		s.logger.Warn("router sync: list domains failed",
			zap.String("project_id", projectID), zap.Error(err))
		return
	}
	if err := s.router.Sync(projectID, aliases, domains); err != nil {
		s.logger.Warn("router sync failed",
			zap.String("project_id", projectID), zap.Error(err))
	}
}

func (s *Service) publishStatus(ctx context.Context, d *model.Deployment, status string) {
	if err := s.bus.PublishStatusChange(ctx, d.ProjectID, d.ID, status); err != nil {
		s.logger.Warn("publish status change failed",
			zap.String("deployment_id", d.ID),
			zap.String("status", status), zap.Error(err))
	}
}

// findEnvironment resolves an environment by id, falling back to a
// stub when the project's list no longer carries it (ids outlive
// environment edits).
func findEnvironment(project *model.Project, environmentID string) model.Environment {
	for _, env := range project.Environments {
		if env.ID == environmentID {
			return env
		}
	}
	return model.Environment{ID: environmentID, Slug: environmentID}
}

// retryable marks infrastructure read failures for queue redelivery.
// A missing row is a permanent condition and stays terminal.
func retryable(err error) error {
	if err == nil || errors.Is(err, model.ErrNotFound) {
		return err
	}
	return queue.Retryable(err)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
