package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ember-sh/ember/internal/crypto"
	"github.com/ember-sh/ember/internal/github"
	"github.com/ember-sh/ember/internal/model"
	"github.com/ember-sh/ember/internal/queue"
)

const (
	testKey    = "6368616e676520746869732070617373776f726420746f206120736563726574"
	testSecret = "hook-secret"
)

type fakeStore struct {
	projects map[string]*model.Project
	byRepo   map[int64][]*model.Project
	byInst   map[int64][]*model.Project
	domains  map[string]*model.Domain

	statuses map[string]model.ProjectStatus
	sealed   map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: map[string]*model.Project{},
		byRepo:   map[int64][]*model.Project{},
		byInst:   map[int64][]*model.Project{},
		domains:  map[string]*model.Domain{},
		statuses: map[string]model.ProjectStatus{},
		sealed:   map[string][]byte{},
	}
}

func (f *fakeStore) CreateProject(_ context.Context, p *model.Project) error {
	f.projects[p.ID] = p
	return nil
}

func (f *fakeStore) GetProject(_ context.Context, id string) (*model.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) GetProjectBySlug(_ context.Context, slug string) (*model.Project, error) {
	for _, p := range f.projects {
		if p.Slug == slug {
			return p, nil
		}
	}
	return nil, model.ErrNotFound
}

func (f *fakeStore) ListProjectsByRepo(_ context.Context, repoID int64) ([]*model.Project, error) {
	return f.byRepo[repoID], nil
}

func (f *fakeStore) ListProjectsByInstallation(_ context.Context, id int64) ([]*model.Project, error) {
	return f.byInst[id], nil
}

func (f *fakeStore) UpdateProjectStatus(_ context.Context, id string, status model.ProjectStatus) error {
	if _, ok := f.projects[id]; !ok {
		return model.ErrNotFound
	}
	f.statuses[id] = status
	return nil
}

func (f *fakeStore) UpdateProjectRepoRef(_ context.Context, id, repoRef string) error {
	p, ok := f.projects[id]
	if !ok {
		return model.ErrNotFound
	}
	p.RepoRef = repoRef
	return nil
}

func (f *fakeStore) UpdateProjectEnvVars(_ context.Context, id string, sealed []byte) error {
	f.sealed[id] = sealed
	return nil
}

func (f *fakeStore) UpdateProjectEnvironments(_ context.Context, id string, envs []model.Environment) error {
	f.projects[id].Environments = envs
	return nil
}

func (f *fakeStore) GetDeployment(context.Context, string) (*model.Deployment, error) {
	return nil, model.ErrNotFound
}

func (f *fakeStore) ListDeployments(context.Context, string, int) ([]*model.Deployment, error) {
	return nil, nil
}

func (f *fakeStore) CreateDomain(_ context.Context, d *model.Domain) error {
	f.domains[d.ID] = d
	return nil
}

func (f *fakeStore) GetDomain(_ context.Context, id string) (*model.Domain, error) {
	d, ok := f.domains[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) ListProjectDomains(context.Context, string) ([]model.Domain, error) {
	return nil, nil
}

func (f *fakeStore) UpdateDomainStatus(context.Context, string, model.DomainStatus) error {
	return nil
}

func (f *fakeStore) DeleteDomain(_ context.Context, id string) error {
	delete(f.domains, id)
	return nil
}

type fakeDeployer struct {
	created   []string
	createErr error
	cancelErr error
	rollbacks []string
}

func (f *fakeDeployer) Create(_ context.Context, p *model.Project, branch string, _ model.Commit, _ model.Trigger) (*model.Deployment, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, p.ID+":"+branch)
	return &model.Deployment{ID: "d-" + p.ID, ProjectID: p.ID, Branch: branch}, nil
}

func (f *fakeDeployer) Cancel(context.Context, string) error { return f.cancelErr }

func (f *fakeDeployer) Rollback(_ context.Context, p *model.Project, envID string) error {
	f.rollbacks = append(f.rollbacks, p.ID+":"+envID)
	return nil
}

type fakeQueue struct{ tasks []queue.Task }

func (f *fakeQueue) Enqueue(_ context.Context, task queue.Task) (string, error) {
	f.tasks = append(f.tasks, task)
	return "job-1", nil
}

type fakeProvider struct{ commit *model.Commit }

func (f *fakeProvider) GetInstallationToken(context.Context, int64) (*github.InstallationToken, error) {
	return &github.InstallationToken{Token: "tok"}, nil
}

func (f *fakeProvider) GetRepositoryCommit(context.Context, string, int64, string) (*model.Commit, error) {
	if f.commit == nil {
		return nil, model.ErrNotFound
	}
	return f.commit, nil
}

type fakeStreamer struct{ served []string }

func (f *fakeStreamer) DeploymentStream(w http.ResponseWriter, _ *http.Request, projectID, deploymentID string) {
	f.served = append(f.served, "deployment:"+projectID+":"+deploymentID)
}

func (f *fakeStreamer) ProjectStream(w http.ResponseWriter, _ *http.Request, projectID string) {
	f.served = append(f.served, "project:"+projectID)
}

type env struct {
	store    *fakeStore
	deployer *fakeDeployer
	queue    *fakeQueue
	provider *fakeProvider
	streamer *fakeStreamer
	handler  http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	box, err := crypto.NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	e := &env{
		store:    newFakeStore(),
		deployer: &fakeDeployer{},
		queue:    &fakeQueue{},
		provider: &fakeProvider{commit: &model.Commit{SHA: "abc123"}},
		streamer: &fakeStreamer{},
	}
	srv := New(":0", e.store, e.deployer, e.queue, e.provider, e.streamer, box, testSecret, zap.NewNop())
	e.handler = srv.Handler()
	return e
}

func (e *env) project() *model.Project {
	p := &model.Project{
		ID:             "p1",
		Slug:           "blog",
		RepoID:         42,
		InstallationID: 7,
		Status:         model.ProjectActive,
		Environments: []model.Environment{{
			ID:     model.ProductionEnvironmentID,
			Slug:   model.ReservedEnvironmentSlug,
			Branch: "main",
			Status: model.EnvironmentActive,
		}},
	}
	e.store.projects[p.ID] = p
	e.store.byRepo[p.RepoID] = []*model.Project{p}
	e.store.byInst[p.InstallationID] = []*model.Project{p}
	return p
}

func (e *env) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ────────────────────────────────────────────────────────────────────────────
// Projects
// ────────────────────────────────────────────────────────────────────────────

func TestCreateProjectDefaultsProductionEnvironment(t *testing.T) {
	e := newEnv(t)
	rec := e.do("POST", "/api/projects", map[string]any{
		"slug":            "blog",
		"repo_ref":        "acme/blog",
		"repo_id":         42,
		"installation_id": 7,
		"config": map[string]any{
			"image":         "node-22",
			"start_command": "npm start",
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(e.store.projects) != 1 {
		t.Fatalf("projects = %d", len(e.store.projects))
	}
	for _, p := range e.store.projects {
		if len(p.Environments) != 1 || p.Environments[0].ID != model.ProductionEnvironmentID {
			t.Errorf("environments = %+v", p.Environments)
		}
		if p.Environments[0].Slug != model.ReservedEnvironmentSlug {
			t.Errorf("production slug = %q", p.Environments[0].Slug)
		}
	}
}

func TestCreateProjectRejectsMissingConfig(t *testing.T) {
	e := newEnv(t)
	rec := e.do("POST", "/api/projects", map[string]any{
		"slug":            "blog",
		"repo_ref":        "acme/blog",
		"repo_id":         42,
		"installation_id": 7,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestGetProjectFallsBackToSlug(t *testing.T) {
	e := newEnv(t)
	e.project()
	rec := e.do("GET", "/api/projects/blog", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got model.Project
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ID != "p1" {
		t.Errorf("project id = %q", got.ID)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	e := newEnv(t)
	rec := e.do("GET", "/api/projects/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestDeleteProjectEnqueuesCleanup(t *testing.T) {
	e := newEnv(t)
	e.project()
	rec := e.do("DELETE", "/api/projects/p1", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if e.store.statuses["p1"] != model.ProjectDeleted {
		t.Errorf("project status = %q", e.store.statuses["p1"])
	}
	if len(e.queue.tasks) != 1 || e.queue.tasks[0].Type != queue.TaskCleanupProject {
		t.Errorf("tasks = %+v", e.queue.tasks)
	}
}

func TestUpdateEnvironmentsReservedSlug(t *testing.T) {
	e := newEnv(t)
	e.project()
	rec := e.do("PUT", "/api/projects/p1/environments", []map[string]any{
		{"id": "prod", "slug": "production", "branch": "main"},
		{"id": "stg", "slug": "production", "branch": "staging"},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateEnvironmentsCannotDropActive(t *testing.T) {
	e := newEnv(t)
	e.project()
	rec := e.do("PUT", "/api/projects/p1/environments", []map[string]any{
		{"id": "prod", "slug": "production", "branch": "main"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("keeping prod: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	p := e.store.projects["p1"]
	p.Environments = append(p.Environments, model.Environment{
		ID: "stg", Slug: "staging", Branch: "staging", Status: model.EnvironmentActive,
	})
	rec = e.do("PUT", "/api/projects/p1/environments", []map[string]any{
		{"id": "prod", "slug": "production", "branch": "main"},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("dropping stg: status = %d", rec.Code)
	}
}

func TestCreateProjectRejectsDuplicateEnvVarKeys(t *testing.T) {
	e := newEnv(t)
	rec := e.do("POST", "/api/projects", map[string]any{
		"slug":            "blog",
		"repo_ref":        "acme/blog",
		"repo_id":         42,
		"installation_id": 7,
		"config": map[string]any{
			"image":         "node-22",
			"start_command": "npm start",
		},
		"env_vars": []map[string]any{
			{"key": "PORT", "value": "8000"},
			{"key": "PORT", "value": "9000"},
		},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(e.store.projects) != 0 {
		t.Error("project created despite duplicate keys")
	}
}

func TestUpdateEnvVarsRejectsDuplicateKeys(t *testing.T) {
	e := newEnv(t)
	e.project()
	rec := e.do("PUT", "/api/projects/p1/env", []map[string]any{
		{"key": "PORT", "value": "8000"},
		{"key": "PORT", "value": "9000"},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if _, ok := e.store.sealed["p1"]; ok {
		t.Error("env vars stored despite duplicate keys")
	}

	rec = e.do("PUT", "/api/projects/p1/env", []map[string]any{
		{"key": "PORT", "value": "8000"},
		{"key": "NODE_ENV", "value": "production"},
	})
	if rec.Code != http.StatusNoContent {
		t.Errorf("distinct keys: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Webhook
// ────────────────────────────────────────────────────────────────────────────

func pushPayload(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"ref":        "refs/heads/main",
		"repository": map[string]any{"id": 42},
		"head_commit": map[string]any{
			"id":        "abc123def",
			"message":   "fix build",
			"timestamp": "2026-08-24T10:00:00Z",
			"author":    map[string]any{"username": "dev"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestWebhookPushCreatesDeployment(t *testing.T) {
	e := newEnv(t)
	e.project()
	body := pushPayload(t)

	req := httptest.NewRequest("POST", "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", sign(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(e.deployer.created) != 1 || e.deployer.created[0] != "p1:main" {
		t.Errorf("created = %v", e.deployer.created)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	e := newEnv(t)
	e.project()
	body := pushPayload(t)

	req := httptest.NewRequest("POST", "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
	if len(e.deployer.created) != 0 {
		t.Errorf("created = %v", e.deployer.created)
	}
}

func TestWebhookSkipsUnmatchedBranch(t *testing.T) {
	e := newEnv(t)
	e.project()
	e.deployer.createErr = model.ErrNoEnvironmentForBranch
	body := pushPayload(t)

	req := httptest.NewRequest("POST", "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", sign(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWebhookInstallationSuspendPausesProjects(t *testing.T) {
	e := newEnv(t)
	e.project()
	body, _ := json.Marshal(map[string]any{
		"action":       "suspended",
		"installation": map[string]any{"id": 7},
	})

	req := httptest.NewRequest("POST", "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "installation")
	req.Header.Set("X-Hub-Signature-256", sign(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if e.store.statuses["p1"] != model.ProjectPaused {
		t.Errorf("project status = %q", e.store.statuses["p1"])
	}
}

func TestWebhookRepositoryDeletedPausesProjects(t *testing.T) {
	e := newEnv(t)
	e.project()
	body, _ := json.Marshal(map[string]any{
		"action":     "deleted",
		"repository": map[string]any{"id": 42},
	})

	req := httptest.NewRequest("POST", "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "repository")
	req.Header.Set("X-Hub-Signature-256", sign(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if e.store.statuses["p1"] != model.ProjectPaused {
		t.Errorf("project status = %q", e.store.statuses["p1"])
	}
}

func TestWebhookRepositoryRenamedUpdatesRepoRef(t *testing.T) {
	e := newEnv(t)
	p := e.project()
	p.RepoRef = "acme/blog"
	body, _ := json.Marshal(map[string]any{
		"action":     "renamed",
		"repository": map[string]any{"id": 42, "full_name": "acme/weblog"},
	})

	req := httptest.NewRequest("POST", "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "repository")
	req.Header.Set("X-Hub-Signature-256", sign(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if p.RepoRef != "acme/weblog" {
		t.Errorf("repo_ref = %q, want acme/weblog", p.RepoRef)
	}
	if e.store.statuses["p1"] == model.ProjectPaused {
		t.Error("rename paused the project")
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Deployments
// ────────────────────────────────────────────────────────────────────────────

func TestCreateDeploymentResolvesCommit(t *testing.T) {
	e := newEnv(t)
	e.project()
	rec := e.do("POST", "/api/projects/p1/deployments", map[string]any{"branch": "main"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(e.deployer.created) != 1 {
		t.Errorf("created = %v", e.deployer.created)
	}
}

func TestCancelDeploymentConflict(t *testing.T) {
	e := newEnv(t)
	e.project()
	e.deployer.cancelErr = model.ErrInvalidState
	rec := e.do("POST", "/api/projects/p1/deployments/d1/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRollback(t *testing.T) {
	e := newEnv(t)
	e.project()
	rec := e.do("POST", "/api/projects/p1/rollback/prod", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(e.deployer.rollbacks) != 1 || e.deployer.rollbacks[0] != "p1:prod" {
		t.Errorf("rollbacks = %v", e.deployer.rollbacks)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Domains
// ────────────────────────────────────────────────────────────────────────────

func TestCreateProxyDomain(t *testing.T) {
	e := newEnv(t)
	e.project()
	rec := e.do("POST", "/api/projects/p1/domains", map[string]any{
		"hostname":       "www.example.com",
		"type":           "proxy",
		"environment_id": "prod",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got model.Domain
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != model.DomainPending {
		t.Errorf("status = %q", got.Status)
	}
}

func TestCreateRedirectDomainRequiresTarget(t *testing.T) {
	e := newEnv(t)
	e.project()
	rec := e.do("POST", "/api/projects/p1/domains", map[string]any{
		"hostname": "example.com",
		"type":     "308",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", rec.Code)
	}

	rec = e.do("POST", "/api/projects/p1/domains", map[string]any{
		"hostname":              "example.com",
		"type":                  "308",
		"redirect_to_domain_id": "missing",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing target: status = %d", rec.Code)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// SSE routing
// ────────────────────────────────────────────────────────────────────────────

func TestEventRoutesDelegateToStreamer(t *testing.T) {
	e := newEnv(t)
	e.project()

	e.do("GET", "/api/projects/p1/events", nil)
	e.do("GET", "/api/projects/p1/deployments/d1/events", nil)

	want := []string{"project:p1", "deployment:p1:d1"}
	if len(e.streamer.served) != 2 || e.streamer.served[0] != want[0] || e.streamer.served[1] != want[1] {
		t.Errorf("served = %v", e.streamer.served)
	}
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := e.do("GET", "/healthz", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
