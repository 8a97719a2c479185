// ember-server is the HTTP front-end of the deployment core: the
// project and deployment API, the GitHub webhook receiver, and the SSE
// endpoints. It also runs database migrations on start.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ember-sh/ember/internal/config"
	"github.com/ember-sh/ember/internal/crypto"
	"github.com/ember-sh/ember/internal/deploy"
	"github.com/ember-sh/ember/internal/docker"
	"github.com/ember-sh/ember/internal/events"
	"github.com/ember-sh/ember/internal/github"
	"github.com/ember-sh/ember/internal/logging"
	"github.com/ember-sh/ember/internal/logstream"
	"github.com/ember-sh/ember/internal/queue"
	"github.com/ember-sh/ember/internal/router"
	"github.com/ember-sh/ember/internal/server"
	"github.com/ember-sh/ember/internal/sse"
	"github.com/ember-sh/ember/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("configuration", zap.Error(err))
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	box, err := crypto.NewBox(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	runtime, err := docker.New(cfg.RunnerNetwork, cfg.DeployDomain, cfg.DeployScheme)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	q := queue.New(rdb, "server-"+hostname)
	bus := events.New(rdb)
	gh := github.New(cfg.GithubAPIURL, cfg.GithubAppToken, cfg.ProviderTimeout)
	rw := router.New(cfg.RouterConfigDir, cfg.DeployDomain, cfg.DeployScheme, logger)
	deployer := deploy.New(st, runtime, gh, bus, q, rw, box, logger)
	logs := logstream.New(cfg.LokiURL, cfg.ProbeTimeout)
	streamer := sse.New(st, logs, bus, logger)

	srv := server.New(cfg.ListenAddr, st, deployer, q, gh, streamer, box, cfg.WebhookSecret, logger)
	logger.Info("server listening", zap.String("addr", cfg.ListenAddr))
	return srv.ListenAndServe(ctx)
}
