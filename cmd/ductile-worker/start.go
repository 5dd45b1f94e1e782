package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattjoyce/ductile-worker/internal/activity"
	"github.com/mattjoyce/ductile-worker/internal/api"
	"github.com/mattjoyce/ductile-worker/internal/auth"
	"github.com/mattjoyce/ductile-worker/internal/config"
	"github.com/mattjoyce/ductile-worker/internal/dispatch"
	"github.com/mattjoyce/ductile-worker/internal/events"
	"github.com/mattjoyce/ductile-worker/internal/journal"
	"github.com/mattjoyce/ductile-worker/internal/lock"
	"github.com/mattjoyce/ductile-worker/internal/log"
	"github.com/mattjoyce/ductile-worker/internal/ops/buildops"
	"github.com/mattjoyce/ductile-worker/internal/ops/fileops"
	"github.com/mattjoyce/ductile-worker/internal/ops/gitops"
	"github.com/mattjoyce/ductile-worker/internal/orchestrator"
	"github.com/mattjoyce/ductile-worker/internal/process"
	"github.com/mattjoyce/ductile-worker/internal/workspace"
)

const pruneInterval = time.Hour

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("ductile-worker starting",
		"version", version,
		"config", cfg.SourcePath,
		"instance_id", cfg.Service.InstanceID,
	)

	pidLockPath := lockPath(cfg)
	pidLock, err := lock.Acquire(pidLockPath, cfg.Service.InstanceID)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Both stay untyped nil when the journal is disabled.
	var (
		recorder dispatch.Journal
		history  api.History
	)
	if cfg.Journal.Enabled {
		jr, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer func() { _ = jr.Close() }()
		recorder, history = jr, jr
		logger.Info("journal opened", "path", cfg.Journal.Path, "retention", cfg.Journal.Retention)

		if cfg.Journal.Retention > 0 {
			go func() {
				if err := jr.RunPruner(ctx, pruneInterval, cfg.Journal.Retention); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("journal pruner stopped", "error", err)
				}
			}()
		}
	}

	svcs, err := buildServices(cfg)
	if err != nil {
		logger.Error("failed to initialize domain services", "error", err)
		return 1
	}

	hub := events.NewHub(cfg.Events.Buffer)
	registry := process.New(cfg.Registry.Capacity, process.WithLogger(log.WithComponent("registry")))
	orch := orchestrator.New(registry, hub, svcs, recorder)
	orch.Start(ctx)

	tracker := activity.NewTracker(cfg.Activity.ShutdownTimeout, cfg.Activity.Period)
	// An instance that never receives a request still gets reclaimed.
	tracker.TrackActivity()

	notifier, closeNotifier, err := buildNotifier(cfg.Reclaim)
	if err != nil {
		logger.Error("failed to configure reclaim notifier", "mode", cfg.Reclaim.Mode, "error", err)
		return 1
	}
	defer func() { _ = closeNotifier.Close() }()

	reporter := activity.NewReporter(tracker, notifier, hub, cfg.Service.InstanceID,
		cfg.Activity.ReportInterval, log.WithComponent("reporter"))
	reporter.Start(ctx)
	defer reporter.Stop()
	logger.Info("idle reporter started",
		"mode", cfg.Reclaim.Mode,
		"shutdown_timeout", cfg.Activity.ShutdownTimeout,
		"period", cfg.Activity.Period,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiConfig := api.Config{
			Listen:            cfg.API.Listen,
			APIKey:            cfg.API.Auth.APIKey,
			Tokens:            tokens,
			MaxConcurrentSync: cfg.API.MaxConcurrentSync,
			MaxSyncTimeout:    cfg.API.MaxSyncTimeout,
		}
		apiServer := api.New(apiConfig, orch, tracker, hub, history, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("ductile-worker running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	cancel()
	orch.Wait()
	logger.Info("ductile-worker stopped")
	return code
}

// lockPath keeps the PID file next to the journal so two workers sharing a
// data directory collide.
func lockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Journal.Path), "ductile-worker.lock")
}

func buildServices(cfg *config.Config) (orchestrator.Services, error) {
	gitRoot, err := workspace.NewRoot(cfg.Domains.Git.Workdir)
	if err != nil {
		return orchestrator.Services{}, fmt.Errorf("git workdir: %w", err)
	}
	fileRoot, err := workspace.NewRoot(cfg.Domains.File.Root)
	if err != nil {
		return orchestrator.Services{}, fmt.Errorf("file root: %w", err)
	}
	buildRoot, err := workspace.NewRoot(cfg.Domains.Build.Workdir)
	if err != nil {
		return orchestrator.Services{}, fmt.Errorf("build workdir: %w", err)
	}

	return orchestrator.Services{
		Git: gitops.New(gitRoot, gitops.Config{
			Binary:  cfg.Domains.Git.Binary,
			Timeout: cfg.Domains.Git.Timeout,
		}, log.WithDomain("git")),
		File: fileops.New(fileRoot),
		Build: buildops.New(buildRoot, buildops.Config{
			AllowedTools: cfg.Domains.Build.AllowedTools,
			Timeout:      cfg.Domains.Build.Timeout,
		}, log.WithDomain("build")),
	}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// buildNotifier returns the reclaim notifier for the configured mode and a
// closer for any connection it holds.
func buildNotifier(rc config.ReclaimConfig) (activity.Notifier, io.Closer, error) {
	switch rc.Mode {
	case config.ReclaimModeHTTP:
		return activity.NewHTTPNotifier(rc.URL, rc.Secret, nil), nopCloser{}, nil
	case config.ReclaimModeRedis:
		client, err := activity.ConnectRedis(rc.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return activity.NewRedisNotifier(client, rc.Channel), client, nil
	case config.ReclaimModeLog, "":
		return activity.NewLogNotifier(log.WithComponent("reclaim")), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown reclaim mode %q", rc.Mode)
	}
}
