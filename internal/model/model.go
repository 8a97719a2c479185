// Package model defines the entities shared by every component of the
// deployment core: projects, environments, deployments, aliases and
// custom domains, plus the error taxonomy used across package boundaries.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive  ProjectStatus = "active"
	ProjectPaused  ProjectStatus = "paused"
	ProjectDeleted ProjectStatus = "deleted"
)

// EnvironmentStatus marks an environment slot as live or retired.
type EnvironmentStatus string

const (
	EnvironmentActive  EnvironmentStatus = "active"
	EnvironmentDeleted EnvironmentStatus = "deleted"
)

// ProductionEnvironmentID is the fixed id of the first environment of
// every project. Environment ids are immutable once a deployment has
// referenced them.
const ProductionEnvironmentID = "prod"

// ReservedEnvironmentSlug may only be used by the production environment.
const ReservedEnvironmentSlug = "production"

// Environment is a named slot (production, staging, ...) selected by a
// branch pattern. Patterns are either a literal branch name or a glob of
// the shapes "prefix*", "*suffix" or "prefix*suffix".
type Environment struct {
	ID     string            `json:"id"`
	Slug   string            `json:"slug"`
	Name   string            `json:"name"`
	Color  string            `json:"color"`
	Branch string            `json:"branch"`
	Status EnvironmentStatus `json:"status"`
}

// EnvVar is a single environment variable. Values are encrypted before
// they reach storage; a decrypted EnvVar never leaves the worker path.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RunConfig is the build/run configuration of a project, snapshotted onto
// every deployment at creation time.
type RunConfig struct {
	Image            string `json:"image"`
	RootDirectory    string `json:"root_directory,omitempty"`
	BuildCommand     string `json:"build_command,omitempty"`
	PreDeployCommand string `json:"pre_deploy_command,omitempty"`
	StartCommand     string `json:"start_command"`
	CPUs             int64  `json:"cpus,omitempty"`
	MemoryMB         int64  `json:"memory_mb,omitempty"`
}

// Project is a Git repository bound to an ordered list of environments.
// Index 0 is always production.
type Project struct {
	ID             string        `db:"id"`
	Slug           string        `db:"slug"`
	RepoRef        string        `db:"repo_ref"`
	RepoID         int64         `db:"repo_id"`
	InstallationID int64         `db:"installation_id"`
	Environments   []Environment `db:"-"`
	Config         RunConfig     `db:"-"`
	// EnvVarsSealed is the AES-GCM sealed JSON encoding of []EnvVar.
	EnvVarsSealed []byte        `db:"env_vars"`
	Status        ProjectStatus `db:"status"`
	CreatedAt     time.Time     `db:"created_at"`
}

// DeploymentStatus is the coarse state of a deployment.
type DeploymentStatus string

const (
	DeploymentQueued     DeploymentStatus = "queued"
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentCompleted  DeploymentStatus = "completed"
)

// DeploymentConclusion is set exactly when status becomes completed.
type DeploymentConclusion string

const (
	ConclusionSucceeded DeploymentConclusion = "succeeded"
	ConclusionFailed    DeploymentConclusion = "failed"
	ConclusionCanceled  DeploymentConclusion = "canceled"
	ConclusionSkipped   DeploymentConclusion = "skipped"
)

// ContainerStatus tracks what the reaper and workers know about the
// deployment's container. Empty means no container (or Docker lost it).
type ContainerStatus string

const (
	ContainerRunning ContainerStatus = "running"
	ContainerStopped ContainerStatus = "stopped"
	ContainerRemoved ContainerStatus = "removed"
	ContainerNone    ContainerStatus = ""
)

// Trigger records what caused a deployment.
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerUser    Trigger = "user"
	TriggerAPI     Trigger = "api"
)

// Commit is the resolved commit a deployment runs.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
}

// Deployment is one run of a project at a specific commit against a
// specific environment. Once Status is completed the row is immutable
// except for ContainerStatus updates by the reaper.
type Deployment struct {
	ID            string               `db:"id"`
	ProjectID     string               `db:"project_id"`
	EnvironmentID string               `db:"environment_id"`
	Branch        string               `db:"branch"`
	CommitSHA     string               `db:"commit_sha"`
	CommitMessage string               `db:"commit_message"`
	CommitAuthor  string               `db:"commit_author"`
	CommitDate    time.Time            `db:"commit_date"`
	Config        RunConfig            `db:"-"`
	EnvVarsSealed []byte               `db:"env_vars"`
	ContainerID   string               `db:"container_id"`
	ContainerStat ContainerStatus      `db:"container_status"`
	Status        DeploymentStatus     `db:"status"`
	Conclusion    DeploymentConclusion `db:"conclusion"`
	Trigger       Trigger              `db:"triggered_by"`
	JobID         string               `db:"job_id"`
	CreatedAt     time.Time            `db:"created_at"`
	ConcludedAt   *time.Time           `db:"concluded_at"`
}

// Terminal reports whether the deployment has reached its final state.
func (d *Deployment) Terminal() bool {
	return d.Status == DeploymentCompleted
}

// Slug is the hostname label of the deployment itself, used in the
// container's router rule before any alias points at it.
func (d *Deployment) Slug() string {
	return "deploy-" + d.ID
}

// AliasType distinguishes the three alias families created on finalize.
type AliasType string

const (
	AliasBranch        AliasType = "branch"
	AliasEnvironment   AliasType = "environment"
	AliasEnvironmentID AliasType = "environment_id"
)

// Alias binds a subdomain label to the current (and previous) deployment.
// At most one alias exists per subdomain.
type Alias struct {
	ID                   string    `db:"id"`
	Subdomain            string    `db:"subdomain"`
	ProjectID            string    `db:"project_id"`
	DeploymentID         string    `db:"deployment_id"`
	PreviousDeploymentID string    `db:"previous_deployment_id"`
	Type                 AliasType `db:"type"`
	Value                string    `db:"value"`
	EnvironmentID        string    `db:"environment_id"`
	CreatedAt            time.Time `db:"created_at"`
}

// DomainType is either a reverse proxy or one of the HTTP redirect codes.
type DomainType string

const (
	DomainProxy       DomainType = "proxy"
	DomainRedirect301 DomainType = "301"
	DomainRedirect302 DomainType = "302"
	DomainRedirect307 DomainType = "307"
	DomainRedirect308 DomainType = "308"
)

// Permanent reports whether the redirect type keeps its target forever
// (301/308) as opposed to the temporary 302/307 variants.
func (t DomainType) Permanent() bool {
	return t == DomainRedirect301 || t == DomainRedirect308
}

// DomainStatus is the verification lifecycle of a custom hostname.
type DomainStatus string

const (
	DomainPending  DomainStatus = "pending"
	DomainActive   DomainStatus = "active"
	DomainFailed   DomainStatus = "failed"
	DomainDisabled DomainStatus = "disabled"
)

// Domain is a custom FQDN attached to a project. Proxy domains carry an
// environment id; redirect domains carry the id of the domain they
// redirect to. Exactly one of the two is set.
type Domain struct {
	ID                 string       `db:"id"`
	ProjectID          string       `db:"project_id"`
	Hostname           string       `db:"hostname"`
	Type               DomainType   `db:"type"`
	EnvironmentID      string       `db:"environment_id"`
	RedirectToDomainID string       `db:"redirect_to_domain_id"`
	Status             DomainStatus `db:"status"`
	CreatedAt          time.Time    `db:"created_at"`
}

// NewDeploymentID returns a random 16-byte hex id.
func NewDeploymentID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(b[:])
}
