package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ember-sh/ember/internal/model"
)

// VerifySignature checks the X-Hub-Signature-256 header against the
// shared webhook secret. Comparison is constant time.
func VerifySignature(secret, signature string, body []byte) error {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return fmt.Errorf("malformed webhook signature: %w", model.ErrIntegrity)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature[len(prefix):])) {
		return fmt.Errorf("webhook signature mismatch: %w", model.ErrIntegrity)
	}
	return nil
}

// Repository is the repo fragment common to webhook payloads.
type Repository struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
}

// PushEvent is delivered on every push to a monitored repository.
type PushEvent struct {
	Ref        string     `json:"ref"`
	After      string     `json:"after"`
	Deleted    bool       `json:"deleted"`
	Repository Repository `json:"repository"`
	HeadCommit *struct {
		ID        string `json:"id"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
		Author    struct {
			Username string `json:"username"`
		} `json:"author"`
	} `json:"head_commit"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// Branch extracts the branch name from the push ref, or "" when the
// push is not a branch push (tags etc).
func (e *PushEvent) Branch() string {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(e.Ref, prefix) {
		return ""
	}
	return e.Ref[len(prefix):]
}

// InstallationEvent covers installation{created,deleted,suspended,
// unsuspended} and installation_repositories{added,removed}.
type InstallationEvent struct {
	Action       string `json:"action"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Repositories        []Repository `json:"repositories"`
	RepositoriesRemoved []Repository `json:"repositories_removed"`
}

// RepositoryEvent covers repository{deleted,transferred,renamed}.
type RepositoryEvent struct {
	Action     string     `json:"action"`
	Repository Repository `json:"repository"`
}

// ParsePush decodes a push payload.
func ParsePush(body []byte) (*PushEvent, error) {
	var e PushEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode push event: %w", err)
	}
	return &e, nil
}

// ParseInstallation decodes an installation payload.
func ParseInstallation(body []byte) (*InstallationEvent, error) {
	var e InstallationEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode installation event: %w", err)
	}
	return &e, nil
}

// ParseRepository decodes a repository payload.
func ParseRepository(body []byte) (*RepositoryEvent, error) {
	var e RepositoryEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode repository event: %w", err)
	}
	return &e, nil
}
