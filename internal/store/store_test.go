package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ember-sh/ember/internal/model"
)

func testStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "pgx")), mock
}

func expectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Deployment state transitions
// ────────────────────────────────────────────────────────────────────────────

func TestMarkInProgressFlipsQueuedRow(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectExec(`UPDATE deployments SET status = \$2`).
		WithArgs("d1", string(model.DeploymentInProgress), string(model.DeploymentQueued)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.MarkInProgress(context.Background(), "d1")
	if err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if !ok {
		t.Error("MarkInProgress = false for queued row")
	}
	expectations(t, mock)
}

func TestMarkInProgressIgnoresDuplicateDelivery(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectExec(`UPDATE deployments SET status = \$2`).
		WithArgs("d1", string(model.DeploymentInProgress), string(model.DeploymentQueued)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.MarkInProgress(context.Background(), "d1")
	if err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if ok {
		t.Error("MarkInProgress = true for non-queued row")
	}
	expectations(t, mock)
}

func TestConcludeIsOneShot(t *testing.T) {
	s, mock := testStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE deployments SET status = \$2, conclusion = \$3`).
		WithArgs("d1", string(model.DeploymentCompleted), string(model.ConclusionSucceeded)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE deployments SET status = \$2, conclusion = \$3`).
		WithArgs("d1", string(model.DeploymentCompleted), string(model.ConclusionFailed)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := s.Conclude(ctx, "d1", model.ConclusionSucceeded)
	if err != nil || !applied {
		t.Fatalf("first Conclude = %v, %v; want true, nil", applied, err)
	}
	// A late failure job must not overwrite the verdict.
	applied, err = s.Conclude(ctx, "d1", model.ConclusionFailed)
	if err != nil {
		t.Fatalf("second Conclude: %v", err)
	}
	if applied {
		t.Error("second Conclude applied, want ignored")
	}
	expectations(t, mock)
}

func TestGetDeploymentNotFound(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectQuery(`SELECT .+ FROM deployments WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetDeployment(context.Background(), "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	expectations(t, mock)
}

func TestGetDeploymentDecodesConfig(t *testing.T) {
	s, mock := testStore(t)
	now := time.Now()
	cols := []string{
		"id", "project_id", "environment_id", "branch", "commit_sha", "commit_message",
		"commit_author", "commit_date", "config", "env_vars", "container_id", "container_status",
		"status", "conclusion", "triggered_by", "job_id", "created_at", "concluded_at",
	}
	mock.ExpectQuery(`SELECT .+ FROM deployments WHERE id = \$1`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"d1", "p1", "prod", "main", "abc123", "fix", "dev", now,
			[]byte(`{"image":"node-22","start_command":"npm start"}`), nil,
			"", "", "queued", "", "webhook", "", now, nil))

	d, err := s.GetDeployment(context.Background(), "d1")
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if d.Config.Image != "node-22" || d.Config.StartCommand != "npm start" {
		t.Errorf("config = %+v", d.Config)
	}
	if d.Trigger != model.TriggerWebhook {
		t.Errorf("trigger = %q", d.Trigger)
	}
	expectations(t, mock)
}

// ────────────────────────────────────────────────────────────────────────────
// Aliases
// ────────────────────────────────────────────────────────────────────────────

func TestUpsertAliasDemotesOldDeployment(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (subdomain) DO UPDATE SET
			previous_deployment_id = aliases.deployment_id`)).
		WithArgs("a1", "myapp", "p1", "d2", "", string(model.AliasEnvironment), "production", "prod").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertAlias(context.Background(), &model.Alias{
		ID: "a1", Subdomain: "myapp", ProjectID: "p1", DeploymentID: "d2",
		Type: model.AliasEnvironment, Value: "production", EnvironmentID: "prod",
	})
	if err != nil {
		t.Fatalf("UpsertAlias: %v", err)
	}
	expectations(t, mock)
}

func TestSwapAliasRequiresPreviousDeployment(t *testing.T) {
	s, mock := testStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE aliases SET`).
		WithArgs("myapp").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE aliases SET`).
		WithArgs("fresh").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.SwapAlias(ctx, "myapp")
	if err != nil || !ok {
		t.Fatalf("SwapAlias(myapp) = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.SwapAlias(ctx, "fresh")
	if err != nil {
		t.Fatalf("SwapAlias(fresh): %v", err)
	}
	if ok {
		t.Error("SwapAlias succeeded with no previous deployment")
	}
	expectations(t, mock)
}

func TestActiveDeploymentIDsUnion(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectQuery(`SELECT deployment_id FROM aliases .+ UNION`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"deployment_id"}).
			AddRow("d1").AddRow("d2").AddRow("d3"))

	ids, err := s.ActiveDeploymentIDs(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ActiveDeploymentIDs: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("ids = %v, want 3 entries", ids)
	}
	expectations(t, mock)
}

// ────────────────────────────────────────────────────────────────────────────
// Reaper queries
// ────────────────────────────────────────────────────────────────────────────

func TestReapableQueryExcludesProtected(t *testing.T) {
	query, args, err := reapableQuery("p1", []string{"d1", "d2"})
	if err != nil {
		t.Fatalf("reapableQuery: %v", err)
	}
	if !regexp.MustCompile(`id NOT IN \(\?, \?\)`).MatchString(query) {
		t.Errorf("query missing NOT IN clause:\n%s", query)
	}
	// Project id, status pair, then the two protected ids.
	if len(args) != 5 {
		t.Errorf("args = %v, want 5", args)
	}
}

func TestReapableQueryNoProtectedSet(t *testing.T) {
	query, args, err := reapableQuery("p1", nil)
	if err != nil {
		t.Fatalf("reapableQuery: %v", err)
	}
	if regexp.MustCompile(`NOT IN`).MatchString(query) {
		t.Errorf("unexpected NOT IN clause:\n%s", query)
	}
	if len(args) != 3 {
		t.Errorf("args = %v, want 3", args)
	}
}

func TestDeleteDeploymentsBatchReportsCount(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectExec(`DELETE FROM deployments WHERE id IN`).
		WithArgs("p1", 100).
		WillReturnResult(sqlmock.NewResult(0, 100))

	n, err := s.DeleteDeploymentsBatch(context.Background(), "p1", 100)
	if err != nil {
		t.Fatalf("DeleteDeploymentsBatch: %v", err)
	}
	if n != 100 {
		t.Errorf("deleted = %d, want 100", n)
	}
	expectations(t, mock)
}
