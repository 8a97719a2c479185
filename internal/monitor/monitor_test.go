package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ember-sh/ember/internal/docker"
	"github.com/ember-sh/ember/internal/model"
	"github.com/ember-sh/ember/internal/queue"
)

type fakeStore struct{ deployments []*model.Deployment }

func (f *fakeStore) ListInProgress(context.Context) ([]*model.Deployment, error) {
	return f.deployments, nil
}

type fakeRuntime struct {
	state *docker.ContainerState
	err   error
}

func (f *fakeRuntime) Inspect(context.Context, string) (*docker.ContainerState, error) {
	return f.state, f.err
}

type fakeQueue struct{ tasks []queue.Task }

func (f *fakeQueue) Enqueue(_ context.Context, task queue.Task) (string, error) {
	f.tasks = append(f.tasks, task)
	return "job-1", nil
}

func testMonitor(rt *fakeRuntime, q *fakeQueue) *Monitor {
	m := New(&fakeStore{}, rt, q, 5*time.Minute, time.Second, zap.NewNop())
	m.probe = func(context.Context, string) (int, error) {
		return 0, errors.New("unreachable")
	}
	return m
}

func runningDeployment(age time.Duration) *model.Deployment {
	return &model.Deployment{
		ID:            "d1",
		ProjectID:     "p1",
		ContainerID:   "ctr-1",
		ContainerStat: model.ContainerRunning,
		Status:        model.DeploymentInProgress,
		CreatedAt:     time.Now().Add(-age),
	}
}

func TestCheckTimeout(t *testing.T) {
	q := &fakeQueue{}
	m := testMonitor(&fakeRuntime{}, q)

	m.check(context.Background(), runningDeployment(10*time.Minute))

	if len(q.tasks) != 1 || q.tasks[0].Type != queue.TaskDeploymentFail || q.tasks[0].Reason != "timeout" {
		t.Errorf("tasks = %+v", q.tasks)
	}
}

func TestCheckExitedContainer(t *testing.T) {
	q := &fakeQueue{}
	m := testMonitor(&fakeRuntime{state: &docker.ContainerState{Running: false, ExitCode: 137}}, q)

	m.check(context.Background(), runningDeployment(time.Minute))

	if len(q.tasks) != 1 || q.tasks[0].Reason != "Container exited with code 137" {
		t.Errorf("tasks = %+v", q.tasks)
	}
}

func TestCheckReadyEnqueuesFinalize(t *testing.T) {
	q := &fakeQueue{}
	m := testMonitor(&fakeRuntime{state: &docker.ContainerState{Running: true, IP: "172.18.0.5"}}, q)
	var probed string
	m.probe = func(_ context.Context, addr string) (int, error) {
		probed = addr
		return 200, nil
	}

	m.check(context.Background(), runningDeployment(time.Minute))

	if probed != "http://172.18.0.5:8000/" {
		t.Errorf("probed %q", probed)
	}
	if len(q.tasks) != 1 || q.tasks[0].Type != queue.TaskDeploymentFinalize {
		t.Errorf("tasks = %+v", q.tasks)
	}
}

func TestCheckServerErrorKeepsWaiting(t *testing.T) {
	q := &fakeQueue{}
	m := testMonitor(&fakeRuntime{state: &docker.ContainerState{Running: true, IP: "172.18.0.5"}}, q)
	m.probe = func(context.Context, string) (int, error) { return 502, nil }

	m.check(context.Background(), runningDeployment(time.Minute))

	if len(q.tasks) != 0 {
		t.Errorf("tasks = %+v, want none", q.tasks)
	}
}

func TestCheckUnreachableKeepsWaiting(t *testing.T) {
	q := &fakeQueue{}
	m := testMonitor(&fakeRuntime{state: &docker.ContainerState{Running: true, IP: "172.18.0.5"}}, q)

	m.check(context.Background(), runningDeployment(time.Minute))

	if len(q.tasks) != 0 {
		t.Errorf("tasks = %+v, want none", q.tasks)
	}
}

func TestCheckNoContainerYet(t *testing.T) {
	q := &fakeQueue{}
	m := testMonitor(&fakeRuntime{}, q)
	d := runningDeployment(time.Minute)
	d.ContainerID = ""
	d.ContainerStat = model.ContainerNone

	m.check(context.Background(), d)

	if len(q.tasks) != 0 {
		t.Errorf("tasks = %+v, want none", q.tasks)
	}
}

func TestCheckInspectErrorRetriesNextSweep(t *testing.T) {
	q := &fakeQueue{}
	m := testMonitor(&fakeRuntime{err: errors.New("daemon busy")}, q)

	m.check(context.Background(), runningDeployment(time.Minute))

	if len(q.tasks) != 0 {
		t.Errorf("tasks = %+v, want none", q.tasks)
	}
}

func TestClaimBlocksReentry(t *testing.T) {
	m := testMonitor(&fakeRuntime{}, &fakeQueue{})

	if !m.claim("d1") {
		t.Fatal("first claim failed")
	}
	if m.claim("d1") {
		t.Error("second claim succeeded while in flight")
	}
	m.release("d1")
	if !m.claim("d1") {
		t.Error("claim failed after release")
	}
}
