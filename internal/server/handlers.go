package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ember-sh/ember/internal/github"
	"github.com/ember-sh/ember/internal/model"
	"github.com/ember-sh/ember/internal/queue"
)

var validate = validator.New()

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ────────────────────────────────────────────────────────────────────────────
// Webhook
// ────────────────────────────────────────────────────────────────────────────

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := github.VerifySignature(s.webhookSecret, r.Header.Get("X-Hub-Signature-256"), body); err != nil {
		s.logger.Warn("webhook rejected", zap.Error(err))
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	webhookEvents.WithLabelValues(event).Inc()

	switch event {
	case "push":
		s.handlePushEvent(w, r, body)
	case "installation", "installation_repositories":
		s.handleInstallationEvent(w, r, body)
	case "repository":
		s.handleRepositoryEvent(w, r, body)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handlePushEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	ev, err := github.ParsePush(body)
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	branch := ev.Branch()
	if branch == "" || ev.Deleted || ev.HeadCommit == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	commit := model.Commit{
		SHA:     ev.HeadCommit.ID,
		Message: ev.HeadCommit.Message,
		Author:  ev.HeadCommit.Author.Username,
	}
	if ts, err := time.Parse(time.RFC3339, ev.HeadCommit.Timestamp); err == nil {
		commit.Date = ts
	}

	projects, err := s.store.ListProjectsByRepo(r.Context(), ev.Repository.ID)
	if err != nil {
		s.logger.Error("webhook: list projects failed", zap.Error(err))
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}

	created := 0
	for _, p := range projects {
		d, err := s.deployer.Create(r.Context(), p, branch, commit, model.TriggerWebhook)
		if err != nil {
			if errors.Is(err, model.ErrNoEnvironmentForBranch) {
				continue
			}
			s.logger.Error("webhook: create deployment failed",
				zap.String("project_id", p.ID), zap.Error(err))
			continue
		}
		created++
		deploymentsCreated.WithLabelValues(string(model.TriggerWebhook)).Inc()
		s.logger.Info("deployment created from push",
			zap.String("project_id", p.ID),
			zap.String("deployment_id", d.ID),
			zap.String("branch", branch))
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"deployments": created})
}

func (s *Server) handleInstallationEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	ev, err := github.ParseInstallation(body)
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	var status model.ProjectStatus
	switch ev.Action {
	case "deleted", "suspended":
		status = model.ProjectPaused
	case "created", "unsuspended":
		status = model.ProjectActive
	case "removed":
		// Repositories were detached from the installation; pause just
		// the projects bound to them.
		for _, repo := range ev.RepositoriesRemoved {
			projects, err := s.store.ListProjectsByRepo(r.Context(), repo.ID)
			if err != nil {
				continue
			}
			for _, p := range projects {
				s.store.UpdateProjectStatus(r.Context(), p.ID, model.ProjectPaused)
			}
		}
		w.WriteHeader(http.StatusAccepted)
		return
	default:
		w.WriteHeader(http.StatusNoContent)
		return
	}

	projects, err := s.store.ListProjectsByInstallation(r.Context(), ev.Installation.ID)
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}
	for _, p := range projects {
		if err := s.store.UpdateProjectStatus(r.Context(), p.ID, status); err != nil {
			s.logger.Error("webhook: update project status failed",
				zap.String("project_id", p.ID), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRepositoryEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	ev, err := github.ParseRepository(body)
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	switch ev.Action {
	case "deleted", "transferred", "renamed":
	default:
		w.WriteHeader(http.StatusNoContent)
		return
	}
	projects, err := s.store.ListProjectsByRepo(r.Context(), ev.Repository.ID)
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}
	for _, p := range projects {
		if ev.Action == "renamed" {
			// Clone URLs are built from the full name; follow the rename.
			if err := s.store.UpdateProjectRepoRef(r.Context(), p.ID, ev.Repository.FullName); err != nil {
				s.logger.Error("webhook: update repo ref failed",
					zap.String("project_id", p.ID), zap.Error(err))
			}
			continue
		}
		if err := s.pauseProject(r, p.ID); err != nil {
			s.logger.Error("webhook: pause project failed",
				zap.String("project_id", p.ID), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) pauseProject(r *http.Request, projectID string) error {
	return s.store.UpdateProjectStatus(r.Context(), projectID, model.ProjectPaused)
}

// ────────────────────────────────────────────────────────────────────────────
// Projects
// ────────────────────────────────────────────────────────────────────────────

type createProjectRequest struct {
	Slug           string              `json:"slug" validate:"required,hostname_rfc1123"`
	RepoRef        string              `json:"repo_ref" validate:"required,contains=/"`
	RepoID         int64               `json:"repo_id" validate:"required"`
	InstallationID int64               `json:"installation_id" validate:"required"`
	Config         model.RunConfig     `json:"config"`
	Environments   []model.Environment `json:"environments"`
	EnvVars        []model.EnvVar      `json:"env_vars"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Config.Image == "" || req.Config.StartCommand == "" {
		http.Error(w, "config.image and config.start_command are required", http.StatusUnprocessableEntity)
		return
	}
	envs := req.Environments
	if len(envs) == 0 {
		envs = []model.Environment{{
			ID:     model.ProductionEnvironmentID,
			Slug:   model.ReservedEnvironmentSlug,
			Name:   "Production",
			Branch: "main",
			Status: model.EnvironmentActive,
		}}
	}
	if err := validateEnvironments(envs); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err := validateEnvVars(req.EnvVars); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	sealed, err := s.box.SealEnvVars(req.EnvVars)
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}
	p := &model.Project{
		ID:             uuid.NewString(),
		Slug:           req.Slug,
		RepoRef:        req.RepoRef,
		RepoID:         req.RepoID,
		InstallationID: req.InstallationID,
		Environments:   envs,
		Config:         req.Config,
		EnvVarsSealed:  sealed,
		Status:         model.ProjectActive,
	}
	if err := s.store.CreateProject(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) loadProject(w http.ResponseWriter, r *http.Request) *model.Project {
	id := chi.URLParam(r, "projectID")
	p, err := s.store.GetProject(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		p, err = s.store.GetProjectBySlug(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, err)
		return nil
	}
	return p
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	if p := s.loadProject(w, r); p != nil {
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	if err := s.store.UpdateProjectStatus(r.Context(), p.ID, model.ProjectDeleted); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.queue.Enqueue(r.Context(), queue.Task{
		Type:      queue.TaskCleanupProject,
		ProjectID: p.ID,
	}); err != nil {
		s.logger.Error("enqueue project cleanup failed",
			zap.String("project_id", p.ID), zap.Error(err))
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePauseProject(w http.ResponseWriter, r *http.Request) {
	s.setProjectStatus(w, r, model.ProjectPaused)
}

func (s *Server) handleResumeProject(w http.ResponseWriter, r *http.Request) {
	s.setProjectStatus(w, r, model.ProjectActive)
}

func (s *Server) setProjectStatus(w http.ResponseWriter, r *http.Request, status model.ProjectStatus) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	if p.Status == model.ProjectDeleted {
		http.Error(w, "project is deleted", http.StatusConflict)
		return
	}
	if err := s.store.UpdateProjectStatus(r.Context(), p.ID, status); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateEnvVars(w http.ResponseWriter, r *http.Request) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	var vars []model.EnvVar
	if !decodeJSON(w, r, &vars) {
		return
	}
	if err := validateEnvVars(vars); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	sealed, err := s.box.SealEnvVars(vars)
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}
	if err := s.store.UpdateProjectEnvVars(r.Context(), p.ID, sealed); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateEnvironments(w http.ResponseWriter, r *http.Request) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	var envs []model.Environment
	if !decodeJSON(w, r, &envs) {
		return
	}
	if err := validateEnvironments(envs); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	// Environment ids referenced by past deployments must survive
	// edits; only additions and field changes are allowed.
	existing := map[string]bool{}
	for _, env := range envs {
		existing[env.ID] = true
	}
	for _, env := range p.Environments {
		if !existing[env.ID] && env.Status == model.EnvironmentActive {
			http.Error(w, "environment "+env.ID+" cannot be removed, mark it deleted instead", http.StatusUnprocessableEntity)
			return
		}
	}
	if err := s.store.UpdateProjectEnvironments(r.Context(), p.ID, envs); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ────────────────────────────────────────────────────────────────────────────
// Deployments
// ────────────────────────────────────────────────────────────────────────────

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	deployments, err := s.store.ListDeployments(r.Context(), p.ID, 50)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

type createDeploymentRequest struct {
	Branch string `json:"branch" validate:"required"`
	Ref    string `json:"ref"`
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	var req createDeploymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ref := req.Ref
	if ref == "" {
		ref = req.Branch
	}
	tok, err := s.provider.GetInstallationToken(r.Context(), p.InstallationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	commit, err := s.provider.GetRepositoryCommit(r.Context(), tok.Token, p.RepoID, ref)
	if err != nil {
		s.writeError(w, err)
		return
	}

	d, err := s.deployer.Create(r.Context(), p, req.Branch, *commit, model.TriggerAPI)
	if err != nil {
		s.writeError(w, err)
		return
	}
	deploymentsCreated.WithLabelValues(string(model.TriggerAPI)).Inc()
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDeployment(r.Context(), chi.URLParam(r, "deploymentID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	if err := s.deployer.Cancel(r.Context(), chi.URLParam(r, "deploymentID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	if err := s.deployer.Rollback(r.Context(), p, chi.URLParam(r, "environmentID")); err != nil {
		s.writeError(w, err)
		return
	}
	rollbacks.Inc()
	w.WriteHeader(http.StatusAccepted)
}

// ────────────────────────────────────────────────────────────────────────────
// Domains
// ────────────────────────────────────────────────────────────────────────────

type createDomainRequest struct {
	Hostname           string           `json:"hostname" validate:"required,fqdn"`
	Type               model.DomainType `json:"type" validate:"required,oneof=proxy 301 302 307 308"`
	EnvironmentID      string           `json:"environment_id"`
	RedirectToDomainID string           `json:"redirect_to_domain_id"`
}

func (s *Server) handleCreateDomain(w http.ResponseWriter, r *http.Request) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	var req createDomainRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// Proxy domains target an environment; redirects target another
	// domain. Exactly one of the two.
	if req.Type == model.DomainProxy {
		if req.EnvironmentID == "" || req.RedirectToDomainID != "" {
			http.Error(w, "proxy domains require environment_id only", http.StatusUnprocessableEntity)
			return
		}
	} else {
		if req.RedirectToDomainID == "" || req.EnvironmentID != "" {
			http.Error(w, "redirect domains require redirect_to_domain_id only", http.StatusUnprocessableEntity)
			return
		}
		if _, err := s.store.GetDomain(r.Context(), req.RedirectToDomainID); err != nil {
			s.writeError(w, err)
			return
		}
	}

	d := &model.Domain{
		ID:                 uuid.NewString(),
		ProjectID:          p.ID,
		Hostname:           req.Hostname,
		Type:               req.Type,
		EnvironmentID:      req.EnvironmentID,
		RedirectToDomainID: req.RedirectToDomainID,
		Status:             model.DomainPending,
	}
	if err := s.store.CreateDomain(r.Context(), d); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	domains, err := s.store.ListProjectDomains(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domains)
}

func (s *Server) handleDeleteDomain(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDomain(r.Context(), chi.URLParam(r, "domainID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ────────────────────────────────────────────────────────────────────────────
// SSE
// ────────────────────────────────────────────────────────────────────────────

func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	s.streamer.ProjectStream(w, r, p.ID)
}

func (s *Server) handleDeploymentEvents(w http.ResponseWriter, r *http.Request) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	s.streamer.DeploymentStream(w, r, p.ID, chi.URLParam(r, "deploymentID"))
}

// ────────────────────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────────────────────

func validateEnvironments(envs []model.Environment) error {
	if len(envs) == 0 {
		return errors.New("at least one environment is required")
	}
	if envs[0].ID != model.ProductionEnvironmentID {
		return errors.New("the first environment must be production")
	}
	for i, env := range envs {
		if env.ID == "" || env.Slug == "" || env.Branch == "" {
			return errors.New("environment id, slug and branch are required")
		}
		if i > 0 && env.Slug == model.ReservedEnvironmentSlug {
			return errors.New(`the "production" slug is reserved`)
		}
	}
	return nil
}

func validateEnvVars(vars []model.EnvVar) error {
	seen := map[string]bool{}
	for _, v := range vars {
		if v.Key == "" {
			return errors.New("env var key is required")
		}
		if seen[v.Key] {
			return errors.New("duplicate env var key " + v.Key)
		}
		seen[v.Key] = true
	}
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// Not a struct (e.g. a slice body); skip field validation.
			return true
		}
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrNoEnvironmentForBranch),
		errors.Is(err, model.ErrValidation):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, model.ErrNoPreviousDeployment),
		errors.Is(err, model.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
