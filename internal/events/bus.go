// Package events is the Redis-streams event bus for deployment state
// changes. Two streams exist per project: an updates stream carrying
// every state-changing event, and a per-deployment status stream.
// Entry ids are Redis stream ids ("<unix_ms>-<seq>") and are treated as
// opaque by consumers.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event types published on the updates stream.
const (
	TypeDeploymentCreation     = "deployment_creation"
	TypeDeploymentStatusUpdate = "deployment_status_update"
	TypeDeploymentRollback     = "deployment_rollback"
)

// StartID reads a stream from its beginning.
const StartID = "0-0"

// retention is how long entries are guaranteed to survive; older
// entries may be trimmed on write.
const retention = 15 * time.Minute

// Event is one bus entry. ID is empty on publish and set on read.
type Event struct {
	ID                   string
	Type                 string
	ProjectID            string
	DeploymentID         string
	DeploymentStatus     string
	PreviousDeploymentID string
	Timestamp            time.Time
}

// Bus publishes and reads deployment events.
type Bus struct {
	rdb *redis.Client
	now func() time.Time
}

// New wraps a connected Redis client.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb, now: time.Now}
}

// UpdatesStream is the per-project stream key.
func UpdatesStream(projectID string) string {
	return "project/" + projectID + "/updates"
}

// StatusStream is the per-deployment stream key.
func StatusStream(projectID, deploymentID string) string {
	return "project/" + projectID + "/deployment/" + deploymentID + "/status"
}

// PublishUpdate appends to the project updates stream and returns the
// assigned entry id.
func (b *Bus) PublishUpdate(ctx context.Context, ev Event) (string, error) {
	return b.append(ctx, UpdatesStream(ev.ProjectID), ev)
}

// PublishDeploymentStatus appends to the per-deployment status stream.
func (b *Bus) PublishDeploymentStatus(ctx context.Context, ev Event) (string, error) {
	return b.append(ctx, StatusStream(ev.ProjectID, ev.DeploymentID), ev)
}

// PublishStatusChange appends a deployment_status_update to both
// streams, updates first so project-stream consumers keep total order.
func (b *Bus) PublishStatusChange(ctx context.Context, projectID, deploymentID, status string) error {
	ev := Event{
		Type:             TypeDeploymentStatusUpdate,
		ProjectID:        projectID,
		DeploymentID:     deploymentID,
		DeploymentStatus: status,
	}
	if _, err := b.PublishUpdate(ctx, ev); err != nil {
		return err
	}
	_, err := b.PublishDeploymentStatus(ctx, ev)
	return err
}

func (b *Bus) append(ctx context.Context, stream string, ev Event) (string, error) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = b.now()
	}
	values := map[string]any{
		"event_type":        ev.Type,
		"project_id":        ev.ProjectID,
		"deployment_id":     ev.DeploymentID,
		"deployment_status": ev.DeploymentStatus,
		"timestamp":         ts.UTC().Format(time.RFC3339),
	}
	if ev.PreviousDeploymentID != "" {
		values["previous_deployment_id"] = ev.PreviousDeploymentID
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MinID:  fmt.Sprintf("%d-0", b.now().Add(-retention).UnixMilli()),
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// ReadUpdates blocks up to block for entries after fromID on the
// project updates stream. A non-positive block returns immediately
// with whatever is pending.
func (b *Bus) ReadUpdates(ctx context.Context, projectID, fromID string, block time.Duration) ([]Event, error) {
	if block <= 0 {
		block = -1
	}
	return b.read(ctx, UpdatesStream(projectID), fromID, block)
}

// ReadDeploymentStatus reads pending entries after fromID on the
// per-deployment status stream without blocking.
func (b *Bus) ReadDeploymentStatus(ctx context.Context, projectID, deploymentID, fromID string) ([]Event, error) {
	return b.read(ctx, StatusStream(projectID, deploymentID), fromID, -1)
}

func (b *Bus) read(ctx context.Context, stream, fromID string, block time.Duration) ([]Event, error) {
	if fromID == "" {
		fromID = StartID
	}
	args := &redis.XReadArgs{
		Streams: []string{stream, fromID},
		Count:   100,
		Block:   block,
	}
	res, err := b.rdb.XRead(ctx, args).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread %s: %w", stream, err)
	}
	var out []Event
	for _, s := range res {
		for _, msg := range s.Messages {
			out = append(out, decode(msg))
		}
	}
	return out, nil
}

func decode(msg redis.XMessage) Event {
	ev := Event{ID: msg.ID}
	if v, ok := msg.Values["event_type"].(string); ok {
		ev.Type = v
	}
	if v, ok := msg.Values["project_id"].(string); ok {
		ev.ProjectID = v
	}
	if v, ok := msg.Values["deployment_id"].(string); ok {
		ev.DeploymentID = v
	}
	if v, ok := msg.Values["deployment_status"].(string); ok {
		ev.DeploymentStatus = v
	}
	if v, ok := msg.Values["previous_deployment_id"].(string); ok {
		ev.PreviousDeploymentID = v
	}
	if v, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			ev.Timestamp = t
		}
	}
	return ev
}
