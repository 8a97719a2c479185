package store

import (
	"context"
	"fmt"

	"github.com/ember-sh/ember/internal/model"
)

const domainColumns = `id, project_id, hostname, type, environment_id, redirect_to_domain_id, status, created_at`

// CreateDomain inserts a custom domain in pending state.
func (s *Store) CreateDomain(ctx context.Context, d *model.Domain) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domains (id, project_id, hostname, type, environment_id, redirect_to_domain_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.ProjectID, d.Hostname, d.Type, d.EnvironmentID, d.RedirectToDomainID, d.Status)
	if err != nil {
		return fmt.Errorf("insert domain %s: %w", d.Hostname, err)
	}
	return nil
}

// GetDomain loads a domain by id.
func (s *Store) GetDomain(ctx context.Context, id string) (*model.Domain, error) {
	var d model.Domain
	err := s.db.GetContext(ctx, &d,
		`SELECT `+domainColumns+` FROM domains WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "domain "+id)
	}
	return &d, nil
}

// GetDomainByHostname loads a domain by its FQDN.
func (s *Store) GetDomainByHostname(ctx context.Context, hostname string) (*model.Domain, error) {
	var d model.Domain
	err := s.db.GetContext(ctx, &d,
		`SELECT `+domainColumns+` FROM domains WHERE hostname = $1`, hostname)
	if err != nil {
		return nil, notFound(err, "domain "+hostname)
	}
	return &d, nil
}

// ListProjectDomains returns every custom domain of a project.
func (s *Store) ListProjectDomains(ctx context.Context, projectID string) ([]model.Domain, error) {
	var out []model.Domain
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+domainColumns+` FROM domains WHERE project_id = $1 ORDER BY hostname`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list domains for %s: %w", projectID, err)
	}
	return out, nil
}

// UpdateDomainStatus moves a domain through its verification lifecycle.
func (s *Store) UpdateDomainStatus(ctx context.Context, id string, status model.DomainStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE domains SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update domain status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("domain %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// DeleteDomain removes a domain and orphans any redirects pointing at
// it; callers refresh the router config afterwards.
func (s *Store) DeleteDomain(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM domains WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete domain %s: %w", id, err)
	}
	return nil
}

// DeleteProjectDomains removes every domain of a project during cleanup.
func (s *Store) DeleteProjectDomains(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM domains WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("delete domains for %s: %w", projectID, err)
	}
	return nil
}
