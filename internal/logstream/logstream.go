// Package logstream pulls container logs from the Loki aggregator.
// Logs never touch the event bus; SSE consumers poll here with a
// nanosecond cursor and render batches client-side.
package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultLimit caps one batch of log entries.
const DefaultLimit = 5000

// Entry is one log line with its nanosecond timestamp and extracted
// level.
type Entry struct {
	Timestamp int64             `json:"timestamp"`
	Message   string            `json:"message"`
	Level     string            `json:"level"`
	Labels    map[string]string `json:"labels"`
}

// Query filters a log pull. ProjectID is mandatory; the rest narrow
// the selection.
type Query struct {
	ProjectID      string
	DeploymentID   string
	EnvironmentID  string
	Branch         string
	Keyword        string
	StartTimestamp int64
	EndTimestamp   int64
	Limit          int
}

// Client queries the aggregator's range API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client for the aggregator at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type queryRangeResponse struct {
	Data struct {
		Result []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// GetLogs pulls entries matching q, oldest first.
func (c *Client) GetLogs(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 || limit > DefaultLimit {
		limit = DefaultLimit
	}

	params := url.Values{}
	params.Set("query", buildSelector(q))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("direction", "forward")
	if q.StartTimestamp > 0 {
		params.Set("start", strconv.FormatInt(q.StartTimestamp, 10))
	}
	if q.EndTimestamp > 0 {
		params.Set("end", strconv.FormatInt(q.EndTimestamp, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/loki/api/v1/query_range?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("log aggregator returned %d: %s", res.StatusCode, body)
	}

	var decoded queryRangeResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode log response: %w", err)
	}

	var out []Entry
	for _, stream := range decoded.Data.Result {
		for _, v := range stream.Values {
			ts, err := strconv.ParseInt(v[0], 10, 64)
			if err != nil {
				continue
			}
			out = append(out, Entry{
				Timestamp: ts,
				Message:   v[1],
				Level:     Level(v[1]),
				Labels:    stream.Stream,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func buildSelector(q Query) string {
	matchers := []string{`project_id="` + q.ProjectID + `"`}
	if q.DeploymentID != "" {
		matchers = append(matchers, `deployment_id="`+q.DeploymentID+`"`)
	}
	if q.EnvironmentID != "" {
		matchers = append(matchers, `environment_id="`+q.EnvironmentID+`"`)
	}
	if q.Branch != "" {
		matchers = append(matchers, `branch="`+q.Branch+`"`)
	}
	sel := "{" + strings.Join(matchers, ", ") + "}"
	if q.Keyword != "" {
		sel += ` |= ` + strconv.Quote(q.Keyword)
	}
	return sel
}
