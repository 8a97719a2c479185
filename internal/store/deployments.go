package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ember-sh/ember/internal/model"
)

type deploymentRow struct {
	ID            string                     `db:"id"`
	ProjectID     string                     `db:"project_id"`
	EnvironmentID string                     `db:"environment_id"`
	Branch        string                     `db:"branch"`
	CommitSHA     string                     `db:"commit_sha"`
	CommitMessage string                     `db:"commit_message"`
	CommitAuthor  string                     `db:"commit_author"`
	CommitDate    time.Time                  `db:"commit_date"`
	Config        []byte                     `db:"config"`
	EnvVars       []byte                     `db:"env_vars"`
	ContainerID   string                     `db:"container_id"`
	ContainerStat model.ContainerStatus      `db:"container_status"`
	Status        model.DeploymentStatus     `db:"status"`
	Conclusion    model.DeploymentConclusion `db:"conclusion"`
	Trigger       model.Trigger              `db:"triggered_by"`
	JobID         string                     `db:"job_id"`
	CreatedAt     time.Time                  `db:"created_at"`
	ConcludedAt   *time.Time                 `db:"concluded_at"`
}

func (r *deploymentRow) toModel() (*model.Deployment, error) {
	d := &model.Deployment{
		ID:            r.ID,
		ProjectID:     r.ProjectID,
		EnvironmentID: r.EnvironmentID,
		Branch:        r.Branch,
		CommitSHA:     r.CommitSHA,
		CommitMessage: r.CommitMessage,
		CommitAuthor:  r.CommitAuthor,
		CommitDate:    r.CommitDate,
		EnvVarsSealed: r.EnvVars,
		ContainerID:   r.ContainerID,
		ContainerStat: r.ContainerStat,
		Status:        r.Status,
		Conclusion:    r.Conclusion,
		Trigger:       r.Trigger,
		JobID:         r.JobID,
		CreatedAt:     r.CreatedAt,
		ConcludedAt:   r.ConcludedAt,
	}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &d.Config); err != nil {
			return nil, fmt.Errorf("decode config for deployment %s: %w", r.ID, err)
		}
	}
	return d, nil
}

const deploymentColumns = `id, project_id, environment_id, branch, commit_sha, commit_message,
	commit_author, commit_date, config, env_vars, container_id, container_status,
	status, conclusion, triggered_by, job_id, created_at, concluded_at`

// CreateDeployment inserts the queued row with its config and env-var
// snapshots.
func (s *Store) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	cfg, err := marshalJSON(d.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployments (id, project_id, environment_id, branch, commit_sha,
			commit_message, commit_author, commit_date, config, env_vars,
			container_id, container_status, status, conclusion, triggered_by, job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.ID, d.ProjectID, d.EnvironmentID, d.Branch, d.CommitSHA,
		d.CommitMessage, d.CommitAuthor, d.CommitDate, cfg, d.EnvVarsSealed,
		d.ContainerID, d.ContainerStat, d.Status, d.Conclusion, d.Trigger, d.JobID)
	if err != nil {
		return fmt.Errorf("insert deployment %s: %w", d.ID, err)
	}
	return nil
}

// GetDeployment loads a deployment by id.
func (s *Store) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "deployment "+id)
	}
	return row.toModel()
}

// ListDeployments returns a project's deployments, newest first.
func (s *Store) ListDeployments(ctx context.Context, projectID string, limit int) ([]*model.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+deploymentColumns+` FROM deployments
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deployments for %s: %w", projectID, err)
	}
	out := make([]*model.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// SetDeploymentJobID persists the queue's job id after enqueue.
func (s *Store) SetDeploymentJobID(ctx context.Context, id, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET job_id = $2 WHERE id = $1`, id, jobID)
	if err != nil {
		return fmt.Errorf("set job id for deployment %s: %w", id, err)
	}
	return nil
}

// MarkInProgress flips queued → in_progress. Returns false when the
// row already left queued (duplicate start delivery).
func (s *Store) MarkInProgress(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET status = $2
		WHERE id = $1 AND status = $3`,
		id, model.DeploymentInProgress, model.DeploymentQueued)
	if err != nil {
		return false, fmt.Errorf("mark deployment %s in progress: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetContainer records the created container on the deployment.
func (s *Store) SetContainer(ctx context.Context, id, containerID string, status model.ContainerStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET container_id = $2, container_status = $3 WHERE id = $1`,
		id, containerID, status)
	if err != nil {
		return fmt.Errorf("set container for deployment %s: %w", id, err)
	}
	return nil
}

// SetContainerStatus updates only container_status; this is the single
// field the reaper may touch on a completed deployment.
func (s *Store) SetContainerStatus(ctx context.Context, id string, status model.ContainerStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET container_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set container status for deployment %s: %w", id, err)
	}
	return nil
}

// Conclude drives the row to its terminal state. The guard makes every
// terminal transition one-shot: once completed, later calls return
// false and change nothing, which is what makes at-least-once job
// delivery safe.
func (s *Store) Conclude(ctx context.Context, id string, conclusion model.DeploymentConclusion) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET status = $2, conclusion = $3, concluded_at = now()
		WHERE id = $1 AND status != $2`,
		id, model.DeploymentCompleted, conclusion)
	if err != nil {
		return false, fmt.Errorf("conclude deployment %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListInProgress returns deployments the monitor must probe.
func (s *Store) ListInProgress(ctx context.Context) ([]*model.Deployment, error) {
	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+deploymentColumns+` FROM deployments WHERE status = $1`,
		model.DeploymentInProgress)
	if err != nil {
		return nil, fmt.Errorf("list in-progress deployments: %w", err)
	}
	out := make([]*model.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ListReapable returns completed deployments that still hold a running
// container, excluding the protected ids.
func (s *Store) ListReapable(ctx context.Context, projectID string, protected []string) ([]*model.Deployment, error) {
	query, args, err := reapableQuery(projectID, protected)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)
	var rows []deploymentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list reapable deployments: %w", err)
	}
	out := make([]*model.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func reapableQuery(projectID string, protected []string) (string, []any, error) {
	base := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = ? AND status = ? AND container_status = ? AND container_id != ''`
	args := []any{projectID, model.DeploymentCompleted, model.ContainerRunning}
	if len(protected) > 0 {
		in, inArgs, err := inClause(protected)
		if err != nil {
			return "", nil, err
		}
		base += ` AND id NOT IN ` + in
		args = append(args, inArgs...)
	}
	return base, args, nil
}

func inClause(vals []string) (string, []any, error) {
	if len(vals) == 0 {
		return "", nil, fmt.Errorf("empty IN clause")
	}
	out := "("
	args := make([]any, 0, len(vals))
	for i, v := range vals {
		if i > 0 {
			out += ", "
		}
		out += "?"
		args = append(args, v)
	}
	return out + ")", args, nil
}

// DeleteDeploymentsBatch removes up to limit deployments of a project
// and reports how many went. Project cleanup loops until zero.
func (s *Store) DeleteDeploymentsBatch(ctx context.Context, projectID string, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM deployments WHERE id IN (
			SELECT id FROM deployments WHERE project_id = $1 LIMIT $2
		)`, projectID, limit)
	if err != nil {
		return 0, fmt.Errorf("delete deployments for %s: %w", projectID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListProjectContainers returns the deployments of a project that
// still reference a container in any state.
func (s *Store) ListProjectContainers(ctx context.Context, projectID string) ([]*model.Deployment, error) {
	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+deploymentColumns+` FROM deployments
		WHERE project_id = $1 AND container_id != ''`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list containers for %s: %w", projectID, err)
	}
	out := make([]*model.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
