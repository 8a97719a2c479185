// ember-worker drains the job queue: deployment start/finalize/fail,
// inactive-deployment cleanup, project deletion cascades, and the
// periodic reaper sweep.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ember-sh/ember/internal/config"
	"github.com/ember-sh/ember/internal/crypto"
	"github.com/ember-sh/ember/internal/deploy"
	"github.com/ember-sh/ember/internal/docker"
	"github.com/ember-sh/ember/internal/events"
	"github.com/ember-sh/ember/internal/github"
	"github.com/ember-sh/ember/internal/logging"
	"github.com/ember-sh/ember/internal/queue"
	"github.com/ember-sh/ember/internal/reaper"
	"github.com/ember-sh/ember/internal/router"
	"github.com/ember-sh/ember/internal/store"
)

const reaperSweepEvery = 10 * time.Minute

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
		logger.Fatal("worker exited", zap.Error(err))
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

	box, err := crypto.NewBox(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	runtime, err := docker.New(cfg.RunnerNetwork, cfg.DeployDomain, cfg.DeployScheme)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())
	q := queue.New(rdb, consumer)
	bus := events.New(rdb)
	gh := github.New(cfg.GithubAPIURL, cfg.GithubAppToken, cfg.ProviderTimeout)
	rw := router.New(cfg.RouterConfigDir, cfg.DeployDomain, cfg.DeployScheme, logger)
	deployer := deploy.New(st, runtime, gh, bus, q, rw, box, logger)
	rp := reaper.New(st, runtime, rw, logger)

	dispatch := func(ctx context.Context, job queue.Job) error {
		switch job.Task.Type {
		case queue.TaskDeploymentStart:
			return deployer.Start(ctx, job.Task.DeploymentID)
		case queue.TaskDeploymentFinalize:
			return deployer.Finalize(ctx, job.Task.DeploymentID)
		case queue.TaskDeploymentFail:
			return deployer.Fail(ctx, job.Task.DeploymentID, job.Task.Reason)
		case queue.TaskCleanupInactive:
			return rp.CleanupInactive(ctx, job.Task.ProjectID, job.Task.Remove)
		case queue.TaskCleanupProject:
			return rp.CleanupProject(ctx, job.Task.ProjectID)
		case queue.TaskReaperSweep:
			return rp.Sweep(ctx)
		default:
			logger.Warn("unknown task type", zap.String("type", job.Task.Type))
			return nil
		}
	}

	worker := queue.NewWorker(q, dispatch, cfg.MaxJobs, cfg.JobTimeout, logger)

	scheduler := queue.NewScheduler(q, logger)
	scheduler.Register(queue.PeriodicJob{
		Name:  "reaper_sweep",
		Every: reaperSweepEvery,
		Task:  queue.Task{Type: queue.TaskReaperSweep},
	})

	logger.Info("worker started",
		zap.String("consumer", consumer),
		zap.Int("max_jobs", cfg.MaxJobs))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	return g.Wait()
}
