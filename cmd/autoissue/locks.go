package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/calder/autoissue/internal/config"
	"github.com/calder/autoissue/internal/diag"
	"github.com/calder/autoissue/internal/history"
	"github.com/calder/autoissue/internal/lock"
	"github.com/calder/autoissue/internal/telemetry"
)

func runLocksCommand(ctx context.Context, args []string, quiet bool) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: autoissue locks <list|cleanup|release <issue>>")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()

	diags := diag.NewRegistry(0, logger)
	locks, err := lock.NewManager(lock.Config{
		StateDir:       cfg.HomeDir,
		Logger:         logger,
		Diags:          diags,
		TimeoutMinutes: cfg.LockTimeoutMinutes,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock store init: %v\n", err)
		return 1
	}

	switch args[0] {
	case "list":
		return listLocks(locks)
	case "cleanup":
		return cleanupLocks(ctx, cfg, locks, logger, diags)
	case "release":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: autoissue locks release <issue>")
			return 2
		}
		issue, err := strconv.Atoi(args[1])
		if err != nil || issue <= 0 {
			fmt.Fprintf(os.Stderr, "invalid issue number %q\n", args[1])
			return 2
		}
		if err := locks.ForceRelease(issue); err != nil {
			fmt.Fprintf(os.Stderr, "release issue %d: %v\n", issue, err)
			return 1
		}
		fmt.Printf("released lock for issue %d\n", issue)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown locks action %q\n", args[0])
		return 2
	}
}

func listLocks(locks *lock.Manager) int {
	infos := locks.List(0)
	if len(infos) == 0 {
		fmt.Println("no active locks")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ISSUE\tSESSION\tHOST\tPID\tHELD\tHEARTBEAT\tSTALE")
	for _, info := range infos {
		stale := ""
		if info.Stale {
			stale = "stale"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s ago\t%s\n",
			info.IssueNumber,
			info.SessionID,
			info.Hostname,
			info.PID,
			formatDuration(time.Duration(info.LockedSeconds)*time.Second),
			formatDuration(time.Duration(info.HeartbeatAgeSeconds)*time.Second),
			stale,
		)
	}
	w.Flush()
	return 0
}

func cleanupLocks(ctx context.Context, cfg config.Config, locks *lock.Manager, logger *slog.Logger, diags *diag.Registry) int {
	stale := locks.FindStale(0)
	if len(stale) == 0 {
		fmt.Println("no stale locks")
		return 0
	}

	// Record the sweep in run history when the store opens; cleanup still
	// proceeds without it.
	var hist *history.Store
	if h, err := history.Open(history.DBPath(cfg.HomeDir)); err == nil {
		hist = h
		defer hist.Close()
	}

	removed := 0
	for _, info := range stale {
		if err := locks.ForceRelease(info.IssueNumber); err != nil {
			fmt.Fprintf(os.Stderr, "release issue %d: %v\n", info.IssueNumber, err)
			continue
		}
		removed++
		logger.Info("stale lock removed", "issue", info.IssueNumber, "session", info.SessionID)
		if hist != nil {
			err := hist.RecordLockEvent(ctx, history.LockEvent{
				Issue:     info.IssueNumber,
				SessionID: info.SessionID,
				Event:     history.LockEventStaleSwept,
				Detail:    fmt.Sprintf("heartbeat %ds old", info.HeartbeatAgeSeconds),
			})
			if err != nil {
				diags.Record(diag.CategoryUnknown, "locks.cleanup_event", err)
				logger.Warn("failed to record sweep event",
					"issue", info.IssueNumber, "error", err.Error())
			}
		}
	}
	fmt.Printf("removed %d stale lock(s)\n", removed)
	return 0
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
