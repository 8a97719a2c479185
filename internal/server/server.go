// Package server is the HTTP surface: the project/deployment/domain
// API, the GitHub webhook receiver, and the SSE endpoints. Handlers
// validate, call into the deploy service or the store, and translate
// the error taxonomy onto status codes.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ember-sh/ember/internal/crypto"
	"github.com/ember-sh/ember/internal/github"
	"github.com/ember-sh/ember/internal/model"
	"github.com/ember-sh/ember/internal/queue"
)

// Store is the persistence surface the handlers read and write.
type Store interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	GetProjectBySlug(ctx context.Context, slug string) (*model.Project, error)
	ListProjectsByRepo(ctx context.Context, repoID int64) ([]*model.Project, error)
	ListProjectsByInstallation(ctx context.Context, installationID int64) ([]*model.Project, error)
	UpdateProjectStatus(ctx context.Context, id string, status model.ProjectStatus) error
	UpdateProjectRepoRef(ctx context.Context, id, repoRef string) error
	UpdateProjectEnvVars(ctx context.Context, id string, sealed []byte) error
	UpdateProjectEnvironments(ctx context.Context, id string, envs []model.Environment) error
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	ListDeployments(ctx context.Context, projectID string, limit int) ([]*model.Deployment, error)
	CreateDomain(ctx context.Context, d *model.Domain) error
	GetDomain(ctx context.Context, id string) (*model.Domain, error)
	ListProjectDomains(ctx context.Context, projectID string) ([]model.Domain, error)
	UpdateDomainStatus(ctx context.Context, id string, status model.DomainStatus) error
	DeleteDomain(ctx context.Context, id string) error
}

// Deployer drives deployment transitions from user actions.
type Deployer interface {
	Create(ctx context.Context, project *model.Project, branch string, commit model.Commit, trigger model.Trigger) (*model.Deployment, error)
	Cancel(ctx context.Context, deploymentID string) error
	Rollback(ctx context.Context, project *model.Project, environmentID string) error
}

// Queue enqueues cleanup jobs for deleted projects.
type Queue interface {
	Enqueue(ctx context.Context, task queue.Task) (string, error)
}

// Provider resolves commits for manual deploys.
type Provider interface {
	GetInstallationToken(ctx context.Context, installationID int64) (*github.InstallationToken, error)
	GetRepositoryCommit(ctx context.Context, token string, repoID int64, ref string) (*model.Commit, error)
}

// Streamer serves the SSE endpoints.
type Streamer interface {
	DeploymentStream(w http.ResponseWriter, r *http.Request, projectID, deploymentID string)
	ProjectStream(w http.ResponseWriter, r *http.Request, projectID string)
}

// Server carries the handler dependencies.
type Server struct {
	store    Store
	deployer Deployer
	queue    Queue
	provider Provider
	streamer Streamer
	box      *crypto.Box
	logger   *zap.Logger

	webhookSecret string
	http          *http.Server
}

// New builds the Server and its router.
func New(addr string, store Store, deployer Deployer, q Queue, provider Provider, streamer Streamer, box *crypto.Box, webhookSecret string, logger *zap.Logger) *Server {
	s := &Server{
		store:         store,
		deployer:      deployer,
		queue:         q,
		provider:      provider,
		streamer:      streamer,
		box:           box,
		logger:        logger,
		webhookSecret: webhookSecret,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/webhook/github", s.handleWebhook)

	r.Route("/api/projects", func(r chi.Router) {
		r.Post("/", s.handleCreateProject)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Delete("/", s.handleDeleteProject)
			r.Post("/pause", s.handlePauseProject)
			r.Post("/resume", s.handleResumeProject)
			r.Put("/env", s.handleUpdateEnvVars)
			r.Put("/environments", s.handleUpdateEnvironments)
			r.Get("/events", s.handleProjectEvents)

			r.Route("/deployments", func(r chi.Router) {
				r.Get("/", s.handleListDeployments)
				r.Post("/", s.handleCreateDeployment)
				r.Route("/{deploymentID}", func(r chi.Router) {
					r.Get("/", s.handleGetDeployment)
					r.Post("/cancel", s.handleCancelDeployment)
					r.Get("/events", s.handleDeploymentEvents)
				})
			})

			r.Post("/rollback/{environmentID}", s.handleRollback)

			r.Route("/domains", func(r chi.Router) {
				r.Get("/", s.handleListDomains)
				r.Post("/", s.handleCreateDomain)
				r.Delete("/{domainID}", s.handleDeleteDomain)
			})
		})
	})
	return r
}

// ListenAndServe blocks until the context ends, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.http.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }
