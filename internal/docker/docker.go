// Package docker runs deployment containers. Each deployment gets one
// container on the runner network, labelled so traefik's docker
// provider exposes it as service deployment-<id> and so the log
// aggregator can index its output by deployment.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/ember-sh/ember/internal/model"
)

const (
	// containerPort is the port every runner image serves on.
	containerPort = "8000"

	cpuPeriod = 100_000
)

// Runtime creates and manages deployment containers.
type Runtime struct {
	cli          *client.Client
	network      string
	deployDomain string
	https        bool
}

// New connects to the docker daemon from the environment.
func New(networkName, deployDomain, scheme string) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	return &Runtime{
		cli:          cli,
		network:      networkName,
		deployDomain: deployDomain,
		https:        scheme == "https",
	}, nil
}

// ContainerState is the slice of inspect output the monitor needs.
type ContainerState struct {
	Running  bool
	ExitCode int
	IP       string
}

// Create builds and registers the deployment's container without
// starting it. The script runs under /bin/sh inside the runner image.
func (r *Runtime) Create(ctx context.Context, d *model.Deployment, env []string, script string) (string, error) {
	labels := containerLabels(d, r.deployDomain, r.https)
	cfg := &container.Config{
		Image:  "runner-" + d.Config.Image,
		Cmd:    []string{"/bin/sh", "-c", script},
		Env:    env,
		Labels: labels,
	}
	host := &container.HostConfig{
		SecurityOpt: []string{"no-new-privileges:true"},
		LogConfig: container.LogConfig{
			Config: map[string]string{
				"labels": "ember.deployment_id,ember.project_id,ember.environment_id,ember.branch",
			},
		},
	}
	if d.Config.CPUs > 0 {
		host.Resources.CPUPeriod = cpuPeriod
		host.Resources.CPUQuota = d.Config.CPUs * cpuPeriod
	}
	if d.Config.MemoryMB > 0 {
		host.Resources.Memory = d.Config.MemoryMB * 1024 * 1024
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			r.network: {},
		},
	}

	res, err := r.cli.ContainerCreate(ctx, cfg, host, netCfg, nil, d.Slug())
	if err != nil {
		return "", fmt.Errorf("create container for deployment %s: %w", d.ID, err)
	}
	return res.ID, nil
}

func containerLabels(d *model.Deployment, deployDomain string, https bool) map[string]string {
	labels := map[string]string{
		"ember.deployment_id":  d.ID,
		"ember.project_id":     d.ProjectID,
		"ember.environment_id": d.EnvironmentID,
		"ember.branch":         d.Branch,
		"traefik.enable":       "true",
	}
	svc := "deployment-" + d.ID
	labels["traefik.http.routers."+svc+".rule"] = "Host(`" + d.Slug() + "." + deployDomain + "`)"
	labels["traefik.http.services."+svc+".loadbalancer.server.port"] = containerPort
	if https {
		labels["traefik.http.routers."+svc+".entrypoints"] = "web,websecure"
		labels["traefik.http.routers."+svc+".tls.certresolver"] = "letsencrypt"
	} else {
		labels["traefik.http.routers."+svc+".entrypoints"] = "web"
	}
	return labels
}

// Start launches a created container.
func (r *Runtime) Start(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

// Inspect reports the container's run state and its IP on the runner
// network. ErrNotFound when docker no longer knows the container.
func (r *Runtime) Inspect(ctx context.Context, containerID string) (*ContainerState, error) {
	info, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", containerID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	st := &ContainerState{}
	if info.State != nil {
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
	}
	if info.NetworkSettings != nil {
		if ep, ok := info.NetworkSettings.Networks[r.network]; ok {
			st.IP = ep.IPAddress
		}
	}
	return st, nil
}

// Stop halts the container. A missing container maps to ErrNotFound so
// the reaper can downgrade its record instead of failing the sweep.
func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("container %s: %w", containerID, model.ErrNotFound)
		}
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// Remove force-removes the container. Missing containers map to
// ErrNotFound.
func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	err := r.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("container %s: %w", containerID, model.ErrNotFound)
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// Exec runs a command inside a running container without waiting for
// its output. Used to inject log lines into the container's stdout so
// they reach the aggregator with the container's labels.
func (r *Runtime) Exec(ctx context.Context, containerID string, cmd []string) error {
	res, err := r.cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{Cmd: cmd})
	if err != nil {
		return fmt.Errorf("exec in container %s: %w", containerID, err)
	}
	if err := r.cli.ContainerExecStart(ctx, res.ID, types.ExecStartCheck{}); err != nil {
		return fmt.Errorf("exec in container %s: %w", containerID, err)
	}
	return nil
}

// ProbeAddr is the in-network URL the monitor probes for readiness.
func ProbeAddr(ip string) string {
	return "http://" + ip + ":" + containerPort + "/"
}
