package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ember-sh/ember/internal/model"
)

// ────────────────────────────────────────────────────────────────────────────
// API client
// ────────────────────────────────────────────────────────────────────────────

func TestGetInstallationToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/app/installations/42/access_tokens" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer app-secret" {
			t.Errorf("auth header = %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token":"ghs_short","expires_at":"2026-08-24T12:00:00Z"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "app-secret", 5*time.Second)
	tok, err := c.GetInstallationToken(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetInstallationToken: %v", err)
	}
	if tok.Token != "ghs_short" {
		t.Errorf("token = %q", tok.Token)
	}
	if tok.ExpiresAt.IsZero() {
		t.Error("expires_at not decoded")
	}
}

func TestGetRepositoryCommit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repositories/7/commits/main" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"sha": "abc1234def",
			"commit": {"message": "fix build", "author": {"date": "2026-08-20T10:00:00Z"}},
			"author": {"login": "octocat"}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "app-secret", 5*time.Second)
	commit, err := c.GetRepositoryCommit(context.Background(), "ghs_short", 7, "main")
	if err != nil {
		t.Fatalf("GetRepositoryCommit: %v", err)
	}
	if commit.SHA != "abc1234def" || commit.Message != "fix build" || commit.Author != "octocat" {
		t.Errorf("commit = %+v", commit)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "wrong", 5*time.Second)
	if _, err := c.GetInstallationToken(context.Background(), 1); err == nil {
		t.Fatal("expected error for 401 response")
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Webhooks
// ────────────────────────────────────────────────────────────────────────────

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)

	if err := VerifySignature("s3cret", sign("s3cret", body), body); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := VerifySignature("s3cret", sign("wrong", body), body); !errors.Is(err, model.ErrIntegrity) {
		t.Errorf("bad signature err = %v, want ErrIntegrity", err)
	}
	if err := VerifySignature("s3cret", "md5=abc", body); !errors.Is(err, model.ErrIntegrity) {
		t.Errorf("malformed signature err = %v, want ErrIntegrity", err)
	}
}

func TestPushEventBranch(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"refs/heads/main", "main"},
		{"refs/heads/feature/login", "feature/login"},
		{"refs/tags/v1.0.0", ""},
	}
	for _, tt := range tests {
		e := &PushEvent{Ref: tt.ref}
		if got := e.Branch(); got != tt.want {
			t.Errorf("Branch(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestParsePush(t *testing.T) {
	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "abc1234",
		"repository": {"id": 7, "full_name": "octocat/blog"},
		"head_commit": {"id": "abc1234", "message": "fix", "author": {"username": "octocat"}},
		"sender": {"login": "octocat"}
	}`)
	e, err := ParsePush(body)
	if err != nil {
		t.Fatalf("ParsePush: %v", err)
	}
	if e.Repository.ID != 7 || e.Branch() != "main" || e.After != "abc1234" {
		t.Errorf("event = %+v", e)
	}
	if e.HeadCommit == nil || e.HeadCommit.Author.Username != "octocat" {
		t.Errorf("head_commit = %+v", e.HeadCommit)
	}
}
