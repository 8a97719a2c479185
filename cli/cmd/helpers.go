package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ── ANSI colours ────────────────────────────────────────────────
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// ── Pretty-print helpers ────────────────────────────────────────

func header(msg string) {
	fmt.Printf("\n%s%s▸ %s%s\n", colorBold, colorCyan, msg, colorReset)
}

func success(msg string) {
	fmt.Printf("  %s✅ %s%s\n", colorGreen, msg, colorReset)
}

func warn(msg string) {
	fmt.Printf("  %s⚠️  %s%s\n", colorYellow, msg, colorReset)
}

func fail(msg string) {
	fmt.Printf("  %s❌ %s%s\n", colorRed, msg, colorReset)
}

func dimText(msg string) string {
	return fmt.Sprintf("%s%s%s", colorDim, msg, colorReset)
}

// statusColor maps a deployment conclusion (or live status) onto the
// colour used in listings.
func statusColor(s string) string {
	switch s {
	case "succeeded":
		return colorGreen
	case "failed":
		return colorRed
	case "canceled", "skipped":
		return colorDim
	default:
		return colorYellow
	}
}

// age renders a creation time the way list views expect: 42s, 17m, 3h, 6d.
func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// shortSHA trims a commit hash for display.
func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// ── API helpers ─────────────────────────────────────────────────

var httpClient = &http.Client{Timeout: 30 * time.Second}

func apiURL(path string) string {
	return strings.TrimRight(serverURL, "/") + path
}

// apiGet fetches path and decodes the JSON body into out.
func apiGet(path string, out any) error {
	resp, err := httpClient.Get(apiURL(path))
	if err != nil {
		return fmt.Errorf("cannot reach %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiSend issues a JSON request with the given method and optional body,
// decoding the response into out when out is non-nil.
func apiSend(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, apiURL(path), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(msg))
	if text == "" {
		text = resp.Status
	}
	return fmt.Errorf("%s", text)
}

// ── API response shapes (mirrors the server's JSON) ─────────────

type environment struct {
	ID     string `json:"id"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
	Status string `json:"status"`
}

type project struct {
	ID           string
	Slug         string
	RepoRef      string
	Status       string
	Environments []environment
	CreatedAt    time.Time
}

type deployment struct {
	ID            string
	EnvironmentID string
	Branch        string
	CommitSHA     string
	CommitMessage string
	Status        string
	Conclusion    string
	CreatedAt     time.Time
}

type domain struct {
	ID            string
	Hostname      string
	Type          string
	EnvironmentID string
	Status        string
}
