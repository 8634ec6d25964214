package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	"git.home.luguber.info/inful/riskbuilder/internal/logfields"
	"git.home.luguber.info/inful/riskbuilder/internal/metrics"
	"git.home.luguber.info/inful/riskbuilder/internal/taskqueue"
	"git.home.luguber.info/inful/riskbuilder/internal/workspace"
)

const (
	shutdownTimeout        = 30 * time.Second
	workspaceSweepInterval = time.Hour
	staleLockAge           = 24 * time.Hour
)

// runWorker runs the daemon: queue consumers for every configured queue, the
// retry scheduler, the janitor jobs and the optional admin listener. It
// returns when a shutdown signal arrives and the components have drained.
func runWorker(cfg *config.Config, configPath string) error {
	level := new(slog.LevelVar)
	applyWorkerLogging(cfg, level)

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	reg := taskqueue.NewRegistry()
	a.ingestion.Register(reg)
	a.scans.Register(reg)
	a.orch.Register(reg)

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	var promReg *prom.Registry
	if cfg.Monitoring.Metrics.Enabled {
		promReg = prom.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(promReg)
	}
	a.orch.SetRecorder(recorder)
	a.ingestion.SetRecorder(recorder)
	a.scans.SetRecorder(recorder)
	a.engine.SetRecorder(recorder)
	a.extractor.SetRecorder(recorder)
	a.generator.SetRecorder(recorder)

	worker := taskqueue.NewWorker(a.broker, reg, cfg.Runtime)
	worker.SetRecorder(recorder)
	retries := taskqueue.NewScheduler(a.broker, cfg.Runtime)
	retries.SetRecorder(recorder)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	janitors, err := startJanitors(ctx, cfg, a)
	if err != nil {
		return err
	}

	var admin *http.Server
	if cfg.Monitoring.Metrics.Enabled {
		admin = startAdminListener(cfg, promReg)
	}

	// Only the log level is hot; everything else needs a restart to take
	// effect, since queue topology and connections are fixed at startup.
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		applyWorkerLogLevel(next, level)
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}

	worker.Start(ctx)
	retries.Start(ctx)
	slog.Info("worker daemon running",
		slog.Int("queues", len(cfg.Runtime.Queues)),
		slog.String("store", cfg.Store.Path))

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	watcher.Stop()
	retries.Stop()
	worker.Stop(shutdownCtx)
	if err := janitors.Shutdown(); err != nil {
		slog.Warn("janitor shutdown failed", logfields.Error(err))
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			slog.Warn("admin listener shutdown failed", logfields.Error(err))
		}
	}
	slog.Info("worker daemon stopped")
	return nil
}

// startJanitors schedules the background maintenance jobs: the scan watchdog
// that fails Sonar analyses whose webhook never arrived, and the workspace
// sweeper that prunes worktrees no scenario references anymore.
func startJanitors(ctx context.Context, cfg *config.Config, a *app) (gocron.Scheduler, error) {
	janitors, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create janitor scheduler: %w", err)
	}

	if cfg.Scans.Enabled {
		_, err = janitors.NewJob(
			gocron.DurationJob(cfg.Scans.WatchdogIntervalDuration()),
			gocron.NewTask(func() {
				n, err := a.scans.FailStalePendings(ctx)
				if err != nil {
					slog.Error("scan watchdog pass failed", logfields.Error(err))
					return
				}
				if n > 0 {
					slog.Info("scan watchdog failed stale analyses", logfields.Count(n))
				}
			}),
			gocron.WithName("scan-watchdog"),
		)
		if err != nil {
			return nil, fmt.Errorf("schedule scan watchdog: %w", err)
		}
	}

	_, err = janitors.NewJob(
		gocron.DurationJob(workspaceSweepInterval),
		gocron.NewTask(func() { sweepWorkspace(ctx, a) }),
		gocron.WithName("workspace-sweeper"),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule workspace sweeper: %w", err)
	}

	janitors.Start()
	return janitors, nil
}

// sweepWorkspace removes worktrees for (repo, commit) pairs no ingestion row
// references and cleans up abandoned repo lock files.
func sweepWorkspace(ctx context.Context, a *app) {
	refs, err := a.store.Ingestions.LiveWorktreeRefs(ctx)
	if err != nil {
		slog.Error("workspace sweep aborted", logfields.Error(err))
		return
	}
	keep := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		keep[workspace.WorktreeKey(ref.RawRepoID, ref.SHA)] = struct{}{}
	}

	worktrees, err := a.layout.SweepWorktrees(keep)
	if err != nil {
		slog.Error("worktree sweep failed", logfields.Error(err))
	}
	locks, err := a.layout.SweepStaleLocks(staleLockAge)
	if err != nil {
		slog.Error("lock sweep failed", logfields.Error(err))
	}
	if worktrees > 0 || locks > 0 {
		slog.Info("workspace swept",
			slog.Int("worktrees", worktrees),
			slog.Int("locks", locks))
	}
}

// startAdminListener serves the Prometheus registry and a liveness check on
// the admin port.
func startAdminListener(cfg *config.Config, promReg *prom.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Monitoring.Metrics.Path, metrics.HTTPHandler(promReg))
	mux.HandleFunc(cfg.Monitoring.Health.Path, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	admin := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.AdminPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("admin listener started", slog.String("addr", admin.Addr))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin listener failed", logfields.Error(err))
		}
	}()
	return admin
}

// applyWorkerLogging replaces the default logger with the configured format
// and a reloadable level.
func applyWorkerLogging(cfg *config.Config, level *slog.LevelVar) {
	applyWorkerLogLevel(cfg, level)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Monitoring.Logging.Format == config.LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func applyWorkerLogLevel(cfg *config.Config, level *slog.LevelVar) {
	next := slog.LevelInfo
	if CLI.Verbose {
		next = slog.LevelDebug
	} else {
		switch cfg.Monitoring.Logging.Level {
		case config.LogLevelDebug:
			next = slog.LevelDebug
		case config.LogLevelWarn:
			next = slog.LevelWarn
		case config.LogLevelError:
			next = slog.LevelError
		}
	}
	if level.Level() != next {
		level.Set(next)
		slog.Info("log level applied", slog.String("level", next.String()))
	}
}
