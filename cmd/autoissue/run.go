package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/calder/autoissue/internal/config"
	"github.com/calder/autoissue/internal/diag"
	"github.com/calder/autoissue/internal/ghcli"
	"github.com/calder/autoissue/internal/history"
	"github.com/calder/autoissue/internal/janitor"
	"github.com/calder/autoissue/internal/jsonsafe"
	"github.com/calder/autoissue/internal/lock"
	otelPkg "github.com/calder/autoissue/internal/otel"
	"github.com/calder/autoissue/internal/retry"
	"github.com/calder/autoissue/internal/shared"
	"github.com/calder/autoissue/internal/telemetry"
	"github.com/calder/autoissue/internal/worker"
)

func runRunCommand(ctx context.Context, args []string, quiet bool) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	issueNum := fs.Int("issue", 0, "process a single issue instead of the backlog")
	label := fs.String("label", "", "only process issues carrying this label")
	workers := fs.Int("workers", 0, "override worker count")
	force := fs.Bool("force", false, "reclaim stale or abandoned locks")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if cfg.Repo == "" {
		fmt.Fprintln(os.Stderr, "no repository configured: set repo in config.yaml or AUTOISSUE_REPO")
		return 1
	}
	if *workers > 0 {
		cfg.WorkerCount = *workers
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	sessionID := lock.NewSessionID()
	traceID := shared.NewTraceID()
	logger = logger.With("session", sessionID)
	ctx = shared.WithSessionID(shared.WithTraceID(ctx, traceID), sessionID)
	logger.Info("startup phase", "phase", "config_loaded",
		"repo", cfg.Repo, "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		logger.Error("otel init failed", "error", err.Error())
		return 1
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("metrics init failed", "error", err.Error())
		return 1
	}

	diags := diag.NewRegistry(0, logger)
	locks, err := lock.NewManager(lock.Config{
		StateDir:       cfg.HomeDir,
		Logger:         logger,
		Diags:          diags,
		TimeoutMinutes: cfg.LockTimeoutMinutes,
	})
	if err != nil {
		logger.Error("lock store init failed", "error", err.Error())
		return 1
	}

	hist, err := history.Open(history.DBPath(cfg.HomeDir))
	if err != nil {
		logger.Error("history store init failed", "error", err.Error())
		return 1
	}
	defer hist.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	engine := retry.NewEngine(cfg.Retry.Policy(), logger, diags)
	decoder := jsonsafe.NewDecoder(logger, diags, cfg.VerboseDecode)
	tracker := ghcli.New(cfg.GHBinary, cfg.Repo, engine, decoder, logger, otelProvider.Tracer)

	pool, err := worker.NewPool(worker.Config{
		Locks:   locks,
		Tracker: tracker,
		Agent: &worker.ExecAgent{
			Command: cfg.Agent.Command,
			Args:    cfg.Agent.Args,
			Timeout: time.Duration(cfg.Agent.TimeoutMinutes) * time.Minute,
		},
		History:           hist,
		Logger:            logger,
		Diags:             diags,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		SessionID:         sessionID,
		WorkerCount:       cfg.WorkerCount,
		Label:             *label,
		ForceClaim:        *force,
		HeartbeatInterval: cfg.HeartbeatInterval(),
	})
	if err != nil {
		logger.Error("worker pool init failed", "error", err.Error())
		return 1
	}

	if cfg.Janitor.Enabled {
		jan, err := janitor.New(janitor.Config{
			Locks:          locks,
			History:        hist,
			Logger:         logger,
			Diags:          diags,
			Schedule:       cfg.Janitor.Schedule,
			TimeoutMinutes: cfg.LockTimeoutMinutes,
			RetentionDays:  cfg.HistoryRetentionDays,
		})
		if err != nil {
			logger.Error("janitor init failed", "error", err.Error())
			return 1
		}
		jan.Start(ctx)
		defer jan.Stop()
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err.Error())
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				if filepath.Base(ev.Path) != "config.yaml" {
					continue
				}
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err.Error())
					continue
				}
				if newCfg.Fingerprint() != cfg.Fingerprint() {
					logger.Info("config.yaml changed; new settings apply on next run",
						"fingerprint", newCfg.Fingerprint())
				}
			}
		}()
	}

	// Any locks this session still holds at exit are released, so a clean
	// shutdown never leaves work orphaned.
	defer func() {
		if released := locks.ReleaseSession(sessionID); released > 0 {
			logger.Info("released session locks on shutdown", "count", released)
		}
		logSwallowed(logger, diags)
	}()

	if *issueNum > 0 {
		issue, err := tracker.ViewIssue(ctx, *issueNum)
		if err != nil {
			logger.Error("failed to fetch issue", "issue", *issueNum, "error", err.Error())
			return 1
		}
		pool.ProcessIssue(ctx, *issue, 1)
		return 0
	}

	if err := pool.Run(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("interrupted; shutting down")
			return 0
		}
		logger.Error("backlog pass failed", "error", err.Error())
		return 1
	}
	return 0
}

// logSwallowed surfaces the categorized error tally so absorbed failures
// stay visible after the run.
func logSwallowed(logger *slog.Logger, diags *diag.Registry) {
	if diags.Total() == 0 {
		return
	}
	attrs := []any{"total", diags.Total()}
	for category, count := range diags.Summary() {
		attrs = append(attrs, string(category), count)
	}
	logger.Info("swallowed error summary", attrs...)
}
