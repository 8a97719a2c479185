// Package config loads process configuration from the environment.
// Every process (server, worker, monitor) shares one Config; unused
// fields cost nothing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full configuration of the deployment core.
type Config struct {
	// HTTP front-end.
	ListenAddr string `validate:"required"`
	LogLevel   string

	// Shared infrastructure.
	DatabaseURL string `validate:"required"`
	RedisURL    string `validate:"required"`
	DockerHost  string

	// Deploy domain: aliases are published as <subdomain>.<DeployDomain>.
	DeployDomain string `validate:"required,hostname"`
	// DeployScheme is "http" or "https"; https adds the websecure
	// entrypoint and the automatic cert resolver to router config.
	DeployScheme string `validate:"oneof=http https"`

	// Edge router dynamic-config directory (one file per project).
	RouterConfigDir string `validate:"required"`
	// RunnerNetwork is the user-defined Docker network all deployment
	// containers join, so readiness probes can reach them by IP.
	RunnerNetwork string `validate:"required"`

	// Secrets.
	EncryptionKey string `validate:"required,len=64,hexadecimal"`
	WebhookSecret string `validate:"required"`

	// Git provider.
	GithubAPIURL   string `validate:"required,url"`
	GithubAppToken string `validate:"required"`

	// Log aggregator (Loki-compatible query endpoint).
	LokiURL string `validate:"required,url"`

	// Worker pool and timeouts.
	MaxJobs           int           `validate:"min=1"`
	DeploymentTimeout time.Duration `validate:"min=1s"`
	JobTimeout        time.Duration `validate:"min=1s"`
	ProbeTimeout      time.Duration `validate:"min=1s"`
	ProviderTimeout   time.Duration `validate:"min=1s"`
}

// Load reads the environment, applies defaults and validates.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        getenv("EMBER_LISTEN_ADDR", ":8080"),
		LogLevel:          getenv("EMBER_LOG_LEVEL", "info"),
		DatabaseURL:       os.Getenv("EMBER_DATABASE_URL"),
		RedisURL:          os.Getenv("EMBER_REDIS_URL"),
		DockerHost:        os.Getenv("DOCKER_HOST"),
		DeployDomain:      os.Getenv("EMBER_DEPLOY_DOMAIN"),
		DeployScheme:      getenv("EMBER_DEPLOY_SCHEME", "https"),
		RouterConfigDir:   getenv("EMBER_ROUTER_CONFIG_DIR", "/etc/traefik/dynamic"),
		RunnerNetwork:     getenv("EMBER_RUNNER_NETWORK", "ember-runners"),
		EncryptionKey:     os.Getenv("EMBER_ENCRYPTION_KEY"),
		WebhookSecret:     os.Getenv("EMBER_WEBHOOK_SECRET"),
		GithubAPIURL:      getenv("EMBER_GITHUB_API_URL", "https://api.github.com"),
		GithubAppToken:    os.Getenv("EMBER_GITHUB_APP_TOKEN"),
		LokiURL:           getenv("EMBER_LOKI_URL", "http://localhost:3100"),
		MaxJobs:           getint("EMBER_MAX_JOBS", 8),
		DeploymentTimeout: getdur("EMBER_DEPLOYMENT_TIMEOUT", 300*time.Second),
		JobTimeout:        getdur("EMBER_JOB_TIMEOUT", 320*time.Second),
		ProbeTimeout:      getdur("EMBER_PROBE_TIMEOUT", 5*time.Second),
		ProviderTimeout:   getdur("EMBER_PROVIDER_TIMEOUT", 30*time.Second),
	}

	if cfg.JobTimeout <= cfg.DeploymentTimeout {
		return nil, fmt.Errorf("EMBER_JOB_TIMEOUT (%s) must exceed EMBER_DEPLOYMENT_TIMEOUT (%s)",
			cfg.JobTimeout, cfg.DeploymentTimeout)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
