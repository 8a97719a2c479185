package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ember-sh/ember/internal/model"
)

type projectRow struct {
	ID             string              `db:"id"`
	Slug           string              `db:"slug"`
	RepoRef        string              `db:"repo_ref"`
	RepoID         int64               `db:"repo_id"`
	InstallationID int64               `db:"installation_id"`
	Environments   []byte              `db:"environments"`
	Config         []byte              `db:"config"`
	EnvVars        []byte              `db:"env_vars"`
	Status         model.ProjectStatus `db:"status"`
	CreatedAt      time.Time           `db:"created_at"`
}

func (r *projectRow) toModel() (*model.Project, error) {
	p := &model.Project{
		ID:             r.ID,
		Slug:           r.Slug,
		RepoRef:        r.RepoRef,
		RepoID:         r.RepoID,
		InstallationID: r.InstallationID,
		EnvVarsSealed:  r.EnvVars,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
	}
	if len(r.Environments) > 0 {
		if err := json.Unmarshal(r.Environments, &p.Environments); err != nil {
			return nil, fmt.Errorf("decode environments for project %s: %w", r.ID, err)
		}
	}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &p.Config); err != nil {
			return nil, fmt.Errorf("decode config for project %s: %w", r.ID, err)
		}
	}
	return p, nil
}

const projectColumns = `id, slug, repo_ref, repo_id, installation_id, environments, config, env_vars, status, created_at`

// CreateProject inserts a new project row.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	envs, err := marshalJSON(p.Environments)
	if err != nil {
		return err
	}
	cfg, err := marshalJSON(p.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, slug, repo_ref, repo_id, installation_id, environments, config, env_vars, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Slug, p.RepoRef, p.RepoID, p.InstallationID, envs, cfg, p.EnvVarsSealed, p.Status)
	if err != nil {
		return fmt.Errorf("insert project %s: %w", p.Slug, err)
	}
	return nil
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var row projectRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "project "+id)
	}
	return row.toModel()
}

// GetProjectBySlug loads a project by its URL slug.
func (s *Store) GetProjectBySlug(ctx context.Context, slug string) (*model.Project, error) {
	var row projectRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+projectColumns+` FROM projects WHERE slug = $1`, slug)
	if err != nil {
		return nil, notFound(err, "project "+slug)
	}
	return row.toModel()
}

// ListProjectsByRepo returns the non-deleted projects bound to a
// provider repository; a push webhook fans out across them.
func (s *Store) ListProjectsByRepo(ctx context.Context, repoID int64) ([]*model.Project, error) {
	var rows []projectRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+projectColumns+` FROM projects WHERE repo_id = $1 AND status != $2`,
		repoID, model.ProjectDeleted)
	if err != nil {
		return nil, fmt.Errorf("list projects for repo %d: %w", repoID, err)
	}
	out := make([]*model.Project, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ListProjectsByInstallation returns the non-deleted projects under a
// provider app installation; installation webhooks fan out across them.
func (s *Store) ListProjectsByInstallation(ctx context.Context, installationID int64) ([]*model.Project, error) {
	var rows []projectRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+projectColumns+` FROM projects WHERE installation_id = $1 AND status != $2`,
		installationID, model.ProjectDeleted)
	if err != nil {
		return nil, fmt.Errorf("list projects for installation %d: %w", installationID, err)
	}
	out := make([]*model.Project, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ListProjectIDs returns the ids of all non-deleted projects; the
// periodic reaper walks this list.
func (s *Store) ListProjectIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM projects WHERE status != $1`, model.ProjectDeleted)
	if err != nil {
		return nil, fmt.Errorf("list project ids: %w", err)
	}
	return ids, nil
}

// UpdateProjectStatus moves a project between active/paused/deleted.
func (s *Store) UpdateProjectStatus(ctx context.Context, id string, status model.ProjectStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// UpdateProjectRepoRef follows a repository rename.
func (s *Store) UpdateProjectRepoRef(ctx context.Context, id, repoRef string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET repo_ref = $2 WHERE id = $1`, id, repoRef)
	if err != nil {
		return fmt.Errorf("update project repo ref: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// UpdateProjectEnvVars replaces the sealed env-var snapshot.
func (s *Store) UpdateProjectEnvVars(ctx context.Context, id string, sealed []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET env_vars = $2 WHERE id = $1`, id, sealed)
	if err != nil {
		return fmt.Errorf("update project env vars: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// UpdateProjectEnvironments replaces the environment list. Environment
// ids referenced by deployments must never change; callers validate.
func (s *Store) UpdateProjectEnvironments(ctx context.Context, id string, envs []model.Environment) error {
	raw, err := marshalJSON(envs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET environments = $2 WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("update project environments: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// DeleteProject removes the project row itself; the reaper's project
// cleanup runs this last, after containers, aliases and deployments.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	return nil
}
