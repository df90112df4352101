// Package janitor runs the periodic stale-lock sweep on a cron schedule.
// A lock whose heartbeat stopped past the staleness threshold belongs to
// a dead session; sweeping it frees the issue for the next worker.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/calder/autoissue/internal/diag"
	"github.com/calder/autoissue/internal/history"
	"github.com/calder/autoissue/internal/lock"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the janitor.
type Config struct {
	Locks    *lock.Manager
	History  *history.Store // may be nil; sweep events are then not recorded
	Logger   *slog.Logger
	Diags    *diag.Registry // may be nil
	Schedule string         // 5-field cron expression

	// TimeoutMinutes is the staleness threshold. <= 0 uses the default.
	TimeoutMinutes int

	// RetentionDays prunes old history rows during the sweep. <= 0 keeps
	// everything.
	RetentionDays int
}

// Janitor periodically sweeps stale locks and prunes old history.
type Janitor struct {
	locks     *lock.Manager
	hist      *history.Store
	logger    *slog.Logger
	diags     *diag.Registry
	schedule  cronlib.Schedule
	timeout   int
	retention int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Janitor. The schedule must be a valid 5-field cron
// expression.
func New(cfg Config) (*Janitor, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		locks:     cfg.Locks,
		hist:      cfg.History,
		logger:    logger,
		diags:     cfg.Diags,
		schedule:  sched,
		timeout:   cfg.TimeoutMinutes,
		retention: cfg.RetentionDays,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("janitor started", "next_sweep", j.schedule.Next(time.Now()))
}

// Stop cancels the sweep loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep removes stale locks once and prunes history past retention.
// Exposed so the cleanup command can run it on demand.
func (j *Janitor) Sweep(ctx context.Context) int {
	stale := j.locks.FindStale(j.timeout)
	removed := 0
	for _, info := range stale {
		if err := j.locks.ForceRelease(info.IssueNumber); err != nil {
			j.logger.Warn("janitor: failed to remove stale lock",
				"issue", info.IssueNumber, "error", err)
			continue
		}
		removed++
		j.logger.Info("janitor: swept stale lock",
			"issue", info.IssueNumber,
			"session", info.SessionID,
			"heartbeat_age_seconds", info.HeartbeatAgeSeconds,
		)
		if j.hist != nil {
			err := j.hist.RecordLockEvent(ctx, history.LockEvent{
				Issue:     info.IssueNumber,
				SessionID: info.SessionID,
				Event:     history.LockEventStaleSwept,
			})
			if err != nil {
				// The sweep already succeeded; a lost audit row is a
				// diagnostic, not a failure.
				j.diags.Record(diag.CategoryUnknown, "janitor.lock_event", err)
				j.logger.Warn("janitor: failed to record sweep event",
					"issue", info.IssueNumber, "error", err.Error())
			}
		}
	}

	if j.hist != nil && j.retention > 0 {
		result, err := j.hist.RunRetention(ctx, j.retention)
		if err != nil {
			j.logger.Warn("janitor: history retention failed", "error", err)
		} else if result.PurgedRuns+result.PurgedLockEvents > 0 {
			j.logger.Info("janitor: pruned history",
				"runs", result.PurgedRuns, "lock_events", result.PurgedLockEvents)
		}
	}
	return removed
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
