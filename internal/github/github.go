// Package github is the Git provider collaborator: it mints short-lived
// installation tokens for clone URLs, resolves commits for deployments,
// and verifies webhook signatures. Provider calls go through a circuit
// breaker so a GitHub outage degrades deploys instead of piling up
// blocked workers.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ember-sh/ember/internal/model"
)

// InstallationToken is a short-lived credential usable in HTTPS clone
// URLs as https://x-access-token:<token>@github.com/<repo>.git.
type InstallationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Client talks to the GitHub REST API on behalf of the app.
type Client struct {
	baseURL  string
	appToken string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// New returns a Client for the given API base URL, e.g.
// "https://api.github.com". appToken authenticates the app itself when
// exchanging for installation tokens.
func New(baseURL, appToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  baseURL,
		appToken: appToken,
		http:     &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "github",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// GetInstallationToken exchanges the app credential for a token scoped
// to one installation.
func (c *Client) GetInstallationToken(ctx context.Context, installationID int64) (*InstallationToken, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)
	var tok InstallationToken
	err := c.do(ctx, http.MethodPost, url, c.appToken, &tok)
	if err != nil {
		return nil, fmt.Errorf("installation token for %d: %w", installationID, err)
	}
	return &tok, nil
}

type commitResponse struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
}

// GetRepositoryCommit resolves a ref (sha or branch) to a full commit
// using an installation token.
func (c *Client) GetRepositoryCommit(ctx context.Context, token string, repoID int64, ref string) (*model.Commit, error) {
	url := c.baseURL + "/repositories/" + strconv.FormatInt(repoID, 10) + "/commits/" + ref
	var res commitResponse
	if err := c.do(ctx, http.MethodGet, url, token, &res); err != nil {
		return nil, fmt.Errorf("commit %s for repo %d: %w", ref, repoID, err)
	}
	return &model.Commit{
		SHA:     res.SHA,
		Message: res.Commit.Message,
		Author:  res.Author.Login,
		Date:    res.Commit.Author.Date,
	}, nil
}

func (c *Client) do(ctx context.Context, method, url, token string, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/vnd.github+json")

		res, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()

		if res.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
			return nil, fmt.Errorf("github returned %d: %s", res.StatusCode, body)
		}
		return nil, json.NewDecoder(res.Body).Decode(out)
	})
	return err
}
