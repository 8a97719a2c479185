package logstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ────────────────────────────────────────────────────────────────────────────
// Level extraction
// ────────────────────────────────────────────────────────────────────────────

func TestLevel(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"error: connection refused", "ERROR"},
		{"[WARN] disk space low", "WARN"},
		{"[ warning ] deprecated flag", "WARNING"},
		{"level=debug starting worker", "DEBUG"},
		{"level: critical out of memory", "CRITICAL"},
		{"Success! Build finished", "SUCCESS"},
		{"FATAL exception in thread main", "FATAL"},
		{"listening on :8000", "INFO"},
		{"", "INFO"},
		{"informative message", "INFO"},
		{"no warnings here", "INFO"},
	}
	for _, tt := range tests {
		if got := Level(tt.message); got != tt.want {
			t.Errorf("Level(%q) = %q, want %q", tt.message, got, tt.want)
		}
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Aggregator client
// ────────────────────────────────────────────────────────────────────────────

func TestGetLogsMergesAndSortsStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loki/api/v1/query_range" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if got := q.Get("query"); got != `{project_id="p1", deployment_id="d1"}` {
			t.Errorf("selector = %q", got)
		}
		if q.Get("limit") != "5000" || q.Get("start") != "100" {
			t.Errorf("params = %v", q)
		}
		w.Write([]byte(`{"data":{"result":[
			{"stream":{"deployment_id":"d1"},"values":[["300","error: boom"],["100","starting"]]},
			{"stream":{"deployment_id":"d1"},"values":[["200","[warn] slow"]]}
		]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	entries, err := c.GetLogs(context.Background(), Query{
		ProjectID: "p1", DeploymentID: "d1", StartTimestamp: 100,
	})
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Timestamp != 100 || entries[1].Timestamp != 200 || entries[2].Timestamp != 300 {
		t.Errorf("not sorted: %+v", entries)
	}
	if entries[1].Level != "WARN" || entries[2].Level != "ERROR" {
		t.Errorf("levels = %q, %q", entries[1].Level, entries[2].Level)
	}
}

func TestGetLogsKeywordFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("query"); got != `{project_id="p1"} |= "npm"` {
			t.Errorf("selector = %q", got)
		}
		w.Write([]byte(`{"data":{"result":[]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	if _, err := c.GetLogs(context.Background(), Query{ProjectID: "p1", Keyword: "npm"}); err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
}

func TestGetLogsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	if _, err := c.GetLogs(context.Background(), Query{ProjectID: "p1"}); err == nil {
		t.Fatal("expected error for 429 response")
	}
}
