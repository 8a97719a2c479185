// Package sse streams deployment logs and status transitions to
// browsers over server-sent events. Log lines come from the aggregator
// with a nanosecond cursor carried in SSE ids, so a dropped connection
// resumes exactly where it left off via Last-Event-ID. Status comes
// from the event bus. The two are merged here, not upstream.
package sse

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ember-sh/ember/internal/events"
	"github.com/ember-sh/ember/internal/logstream"
	"github.com/ember-sh/ember/internal/model"
)

const (
	pollInterval = 500 * time.Millisecond
	blockTime    = 5 * time.Second

	// settleGrace keeps a finished deployment's log stream open long
	// enough for the last aggregator batch to land.
	settleGrace = 5 * time.Second

	deploymentTTL = 30 * time.Minute
	projectTTL    = 15 * time.Minute
)

// Store reloads deployment state each poll.
type Store interface {
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
}

// Logs pulls batches from the aggregator.
type Logs interface {
	GetLogs(ctx context.Context, q logstream.Query) ([]logstream.Entry, error)
}

// Bus reads the event streams.
type Bus interface {
	ReadDeploymentStatus(ctx context.Context, projectID, deploymentID, fromID string) ([]events.Event, error)
	ReadUpdates(ctx context.Context, projectID, fromID string, block time.Duration) ([]events.Event, error)
}

// Streamer serves the two SSE endpoints.
type Streamer struct {
	store  Store
	logs   Logs
	bus    Bus
	logger *zap.Logger

	poll  time.Duration
	block time.Duration
	now   func() time.Time
}

// New builds a Streamer.
func New(store Store, logs Logs, bus Bus, logger *zap.Logger) *Streamer {
	return &Streamer{
		store:  store,
		logs:   logs,
		bus:    bus,
		logger: logger,
		poll:   pollInterval,
		block:  blockTime,
		now:    time.Now,
	}
}

type writer struct {
	w http.ResponseWriter
	f http.Flusher
}

func newWriter(w http.ResponseWriter) (*writer, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &writer{w: w, f: f}, true
}

// event writes one SSE frame. An empty id or name omits that line.
func (sw *writer) event(id, name, data string) error {
	var b strings.Builder
	if id != "" {
		b.WriteString("id: " + id + "\n")
	}
	if name != "" {
		b.WriteString("event: " + name + "\n")
	}
	b.WriteString("data: " + data + "\n\n")
	if _, err := fmt.Fprint(sw.w, b.String()); err != nil {
		return err
	}
	sw.f.Flush()
	return nil
}

// DeploymentStream streams one deployment's logs and conclusion until
// the deployment settles, the client leaves, or the 30 minute cap.
func (s *Streamer) DeploymentStream(w http.ResponseWriter, r *http.Request, projectID, deploymentID string) {
	sw, ok := newWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	d, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		s.logger.Warn("sse: load deployment failed",
			zap.String("deployment_id", deploymentID), zap.Error(err))
		return
	}

	cursor := s.resumeCursor(r, d)
	statusFrom := events.StartID
	concluded := false
	deadline := s.now().Add(deploymentTTL)

	for {
		if s.now().After(deadline) {
			sw.event("", "deployment_log_closed", "timeout")
			return
		}

		entries, err := s.logs.GetLogs(ctx, logstream.Query{
			ProjectID:      projectID,
			DeploymentID:   deploymentID,
			StartTimestamp: cursor,
		})
		if err != nil {
			s.logger.Debug("sse: log pull failed", zap.Error(err))
		}
		if len(entries) > 0 {
			cursor = entries[len(entries)-1].Timestamp + 1
			if err := sw.event(strconv.FormatInt(cursor, 10), "deployment_log", RenderLogBatch(entries)); err != nil {
				return
			}
		}

		if !concluded {
			evs, err := s.bus.ReadDeploymentStatus(ctx, projectID, deploymentID, statusFrom)
			if err != nil {
				s.logger.Debug("sse: status read failed", zap.Error(err))
			}
			for _, ev := range evs {
				statusFrom = ev.ID
				if ev.DeploymentStatus == string(model.ConclusionSucceeded) ||
					ev.DeploymentStatus == string(model.ConclusionFailed) {
					concluded = true
					if err := sw.event("", "deployment_concluded", ev.DeploymentStatus); err != nil {
						return
					}
					break
				}
			}
		}

		d, err = s.store.GetDeployment(ctx, deploymentID)
		if err == nil && s.settled(d) {
			sw.event("", "deployment_log_closed", "done")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}
	}
}

// settled reports whether the stream can close: terminal state with
// either a dead container or a conclusion old enough that the final
// logs have surely shipped.
func (s *Streamer) settled(d *model.Deployment) bool {
	if !d.Terminal() {
		return false
	}
	if d.ContainerStat != model.ContainerRunning {
		return true
	}
	return d.ConcludedAt != nil && s.now().Sub(*d.ConcludedAt) >= settleGrace
}

func (s *Streamer) resumeCursor(r *http.Request, d *model.Deployment) int64 {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			return ns
		}
	}
	if v := r.URL.Query().Get("start_timestamp"); v != "" {
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			return ns
		}
	}
	return d.CreatedAt.UnixNano()
}

// ProjectStream relays the project updates stream until the 15 minute
// TTL or client disconnect. Resume uses the bus entry id carried as
// the SSE id.
func (s *Streamer) ProjectStream(w http.ResponseWriter, r *http.Request, projectID string) {
	sw, ok := newWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = fmt.Sprintf("%d-0", s.now().UnixMilli()-2000)
	}
	deadline := s.now().Add(projectTTL)

	for {
		if s.now().After(deadline) {
			sw.event("", "stream_expired", "expired")
			return
		}
		evs, err := s.bus.ReadUpdates(ctx, projectID, lastID, s.block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("sse: updates read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.poll):
			}
			continue
		}
		for _, ev := range evs {
			lastID = ev.ID
			data := ev.DeploymentID
			if ev.Type != events.TypeDeploymentCreation {
				data = RenderStatusFragment(ev)
			}
			if err := sw.event(ev.ID, ev.Type, data); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// RenderLogBatch renders entries as one HTML line, newlines stripped,
// ready for a single SSE data line.
func RenderLogBatch(entries []logstream.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		msg := strings.ReplaceAll(e.Message, "\n", " ")
		b.WriteString(`<div class="log-line log-` + strings.ToLower(e.Level) + `">`)
		b.WriteString(`<span class="log-ts">` + time.Unix(0, e.Timestamp).UTC().Format("15:04:05.000") + `</span> `)
		b.WriteString(html.EscapeString(msg))
		b.WriteString(`</div>`)
	}
	return b.String()
}

// RenderStatusFragment renders an out-of-band status indicator swap so
// the client updates the matching element in place.
func RenderStatusFragment(ev events.Event) string {
	status := ev.DeploymentStatus
	return `<span id="deployment-status-` + ev.DeploymentID + `" hx-swap-oob="true" class="status status-` +
		status + `">` + html.EscapeString(status) + `</span>`
}
