// ember-monitor watches in-progress deployments: it probes container
// readiness on the runner network and escalates timeouts. Its first
// sweep doubles as crash recovery for deployments a dead worker left
// behind.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ember-sh/ember/internal/config"
	"github.com/ember-sh/ember/internal/docker"
	"github.com/ember-sh/ember/internal/logging"
	"github.com/ember-sh/ember/internal/monitor"
	"github.com/ember-sh/ember/internal/queue"
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

	if err := run(cfg, logger); err != nil && err != context.Canceled {
		logger.Fatal("monitor exited", zap.Error(err))
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

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	runtime, err := docker.New(cfg.RunnerNetwork, cfg.DeployDomain, cfg.DeployScheme)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	q := queue.New(rdb, fmt.Sprintf("monitor-%s-%d", hostname, os.Getpid()))

	m := monitor.New(st, runtime, q, cfg.DeploymentTimeout, cfg.ProbeTimeout, logger)
	logger.Info("monitor started", zap.Duration("deployment_timeout", cfg.DeploymentTimeout))
	return m.Run(ctx)
}
