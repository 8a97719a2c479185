package store

import (
	"context"
	"fmt"

	"github.com/ember-sh/ember/internal/model"
)

const aliasColumns = `id, subdomain, project_id, deployment_id, previous_deployment_id,
	type, value, environment_id, created_at`

// UpsertAlias points a subdomain at a deployment. On conflict the old
// deployment id is demoted to previous_deployment_id, which is what
// rollback later swaps back.
func (s *Store) UpsertAlias(ctx context.Context, a *model.Alias) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aliases (id, subdomain, project_id, deployment_id, previous_deployment_id,
			type, value, environment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subdomain) DO UPDATE SET
			previous_deployment_id = aliases.deployment_id,
			deployment_id = EXCLUDED.deployment_id,
			value = EXCLUDED.value,
			environment_id = EXCLUDED.environment_id`,
		a.ID, a.Subdomain, a.ProjectID, a.DeploymentID, a.PreviousDeploymentID,
		a.Type, a.Value, a.EnvironmentID)
	if err != nil {
		return fmt.Errorf("upsert alias %s: %w", a.Subdomain, err)
	}
	return nil
}

// SwapAlias exchanges deployment_id and previous_deployment_id for a
// rollback. Returns false when there is no previous deployment to
// swap to.
func (s *Store) SwapAlias(ctx context.Context, subdomain string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE aliases SET
			deployment_id = previous_deployment_id,
			previous_deployment_id = deployment_id
		WHERE subdomain = $1 AND previous_deployment_id != ''`, subdomain)
	if err != nil {
		return false, fmt.Errorf("swap alias %s: %w", subdomain, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetAliasBySubdomain loads a single alias.
func (s *Store) GetAliasBySubdomain(ctx context.Context, subdomain string) (*model.Alias, error) {
	var a model.Alias
	err := s.db.GetContext(ctx, &a,
		`SELECT `+aliasColumns+` FROM aliases WHERE subdomain = $1`, subdomain)
	if err != nil {
		return nil, notFound(err, "alias "+subdomain)
	}
	return &a, nil
}

// ListProjectAliases returns every alias of a project. The router
// config writer consumes this to rebuild the project file.
func (s *Store) ListProjectAliases(ctx context.Context, projectID string) ([]model.Alias, error) {
	var out []model.Alias
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+aliasColumns+` FROM aliases WHERE project_id = $1 ORDER BY subdomain`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list aliases for %s: %w", projectID, err)
	}
	return out, nil
}

// ActiveDeploymentIDs is the reaper's protected set: every deployment
// id an alias points at, current or previous.
func (s *Store) ActiveDeploymentIDs(ctx context.Context, projectID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT deployment_id FROM aliases WHERE project_id = $1 AND deployment_id != ''
		UNION
		SELECT previous_deployment_id FROM aliases WHERE project_id = $1 AND previous_deployment_id != ''`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("active deployment ids for %s: %w", projectID, err)
	}
	return ids, nil
}

// DeleteEnvironmentAliases removes the aliases bound to a retired
// environment.
func (s *Store) DeleteEnvironmentAliases(ctx context.Context, projectID, environmentID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM aliases WHERE project_id = $1 AND environment_id = $2`,
		projectID, environmentID)
	if err != nil {
		return fmt.Errorf("delete aliases for environment %s: %w", environmentID, err)
	}
	return nil
}

// DeleteProjectAliases removes every alias of a project during cleanup.
func (s *Store) DeleteProjectAliases(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM aliases WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("delete aliases for %s: %w", projectID, err)
	}
	return nil
}
