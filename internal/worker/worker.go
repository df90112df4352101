// Package worker drives the claim-run-release loop: each worker claims
// an open issue with a task lock, keeps the lock heartbeating while the
// coding agent runs, records the outcome, and releases the lock.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/calder/autoissue/internal/diag"
	"github.com/calder/autoissue/internal/ghcli"
	"github.com/calder/autoissue/internal/history"
	"github.com/calder/autoissue/internal/lock"
	aiotel "github.com/calder/autoissue/internal/otel"
	"github.com/calder/autoissue/internal/shared"
)

// Tracker is the subset of the tracker client the pool needs.
type Tracker interface {
	ListOpenIssues(ctx context.Context, label string, limit int) ([]ghcli.Issue, error)
	Comment(ctx context.Context, number int, body string) error
}

// Config assembles a Pool.
type Config struct {
	Locks   *lock.Manager
	Tracker Tracker
	Agent   Agent
	History *history.Store // may be nil
	Logger  *slog.Logger
	Diags   *diag.Registry
	Metrics *aiotel.Metrics // may be nil
	Tracer  trace.Tracer    // may be nil (spans are then no-ops)

	SessionID string

	// WorkerCount is the number of concurrent issue workers (1 if zero).
	WorkerCount int

	// Label filters which open issues are eligible. Empty processes all.
	Label string

	// ForceClaim reclaims stale or abandoned locks instead of skipping.
	ForceClaim bool

	// HeartbeatInterval is the lock renewal period (default if zero).
	HeartbeatInterval time.Duration

	// MaxIssues bounds one listing pass. <= 0 uses the tracker default.
	MaxIssues int
}

// Pool runs issue workers against the open-issue backlog.
type Pool struct {
	cfg       Config
	logger    *slog.Logger
	validator *ResultValidator
}

// NewPool creates a Pool. SessionID must be set; one pool owns one
// session's locks.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("worker pool requires a session id")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(aiotel.TracerName)
	}
	validator, err := NewResultValidator()
	if err != nil {
		return nil, err
	}
	return &Pool{cfg: cfg, logger: logger, validator: validator}, nil
}

// Run performs one pass over the backlog: list open issues, fan them out
// to workers, and wait for all workers to finish. Issues another session
// holds are skipped, not failed.
func (p *Pool) Run(ctx context.Context) error {
	issues, err := p.cfg.Tracker.ListOpenIssues(ctx, p.cfg.Label, p.cfg.MaxIssues)
	if err != nil {
		return fmt.Errorf("list open issues: %w", err)
	}
	if len(issues) == 0 {
		p.logger.Info("no open issues to process")
		return nil
	}
	p.logger.Info("processing backlog", "issues", len(issues), "workers", p.cfg.WorkerCount)

	queue := make(chan ghcli.Issue)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			wctx := shared.WithWorkerID(ctx, workerID)
			for issue := range queue {
				p.ProcessIssue(wctx, issue, workerID)
			}
		}(i + 1)
	}

	for _, issue := range issues {
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return ctx.Err()
		case queue <- issue:
		}
	}
	close(queue)
	wg.Wait()
	return nil
}

// ProcessIssue claims, runs, and releases one issue. Every outcome is
// absorbed into the run history; nothing escapes as a panic.
func (p *Pool) ProcessIssue(ctx context.Context, issue ghcli.Issue, workerID int) {
	logger := p.logger.With("issue", issue.Number, "worker", workerID)

	ctx, span := aiotel.StartSpan(ctx, p.cfg.Tracer, "worker.process_issue",
		aiotel.AttrIssueNumber.Int(issue.Number),
		aiotel.AttrSessionID.String(p.cfg.SessionID),
		aiotel.AttrWorkerID.Int(workerID),
	)
	defer span.End()

	res := p.cfg.Locks.Acquire(issue.Number, p.cfg.SessionID, lock.AcquireOptions{
		WorkerID:   &workerID,
		ForceClaim: p.cfg.ForceClaim,
	})
	if !res.Acquired {
		span.SetAttributes(aiotel.AttrOutcome.String("skipped"))
		logger.Info("skipping issue", "reason", string(res.Reason), "detail", res.Message)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.LockConflicts.Add(ctx, 1)
		}
		p.recordLockEvent(ctx, issue.Number, history.LockEventConflict, res.Message, workerID)
		return
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.LockAcquired.Add(ctx, 1)
	}
	p.recordLockEvent(ctx, issue.Number, history.LockEventAcquired, "", workerID)

	runner := lock.NewHeartbeatRunner(p.cfg.Locks, issue.Number, p.cfg.SessionID, p.cfg.HeartbeatInterval, logger)
	runner.Start(ctx)
	defer func() {
		runner.Stop()
		if err := p.cfg.Locks.Release(issue.Number, p.cfg.SessionID); err != nil {
			logger.Warn("release failed", "error", err.Error())
			p.cfg.Diags.Record(diag.CategoryUnknown, "worker.release", err)
		} else {
			p.recordLockEvent(ctx, issue.Number, history.LockEventReleased, "", workerID)
		}
	}()

	start := time.Now()
	run := p.runAgent(ctx, issue)
	run.SessionID = p.cfg.SessionID
	run.StartedAt = start.UTC()
	run.FinishedAt = time.Now().UTC()
	run.DurationMS = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	span.SetAttributes(aiotel.AttrOutcome.String(run.Outcome))

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.AgentRunDuration.Record(ctx, run.FinishedAt.Sub(run.StartedAt).Seconds())
		p.cfg.Metrics.IssuesProcessed.Add(ctx, 1)
	}

	if p.cfg.History != nil {
		if _, err := p.cfg.History.RecordRun(ctx, run); err != nil {
			p.cfg.Diags.Record(diag.CategoryUnknown, "worker.record_run", err)
		}
	}

	logger.Info("issue processed",
		"outcome", run.Outcome,
		"duration_ms", run.DurationMS,
		"summary", run.Summary,
	)

	if run.Outcome == history.OutcomeCompleted && run.Summary != "" {
		body := run.Summary
		if run.PRURL != "" {
			body = fmt.Sprintf("%s\n\nPR: %s", body, run.PRURL)
		}
		if err := p.cfg.Tracker.Comment(ctx, issue.Number, body); err != nil {
			// The work is done; a lost comment is a diagnostic, not a
			// failure.
			p.cfg.Diags.Record(diag.CategoryRetriable, "worker.comment", err)
			logger.Warn("failed to post result comment", "error", err.Error())
		}
	}
}

// runAgent executes the agent and interprets its output as a run record.
func (p *Pool) runAgent(ctx context.Context, issue ghcli.Issue) history.Run {
	run := history.Run{Issue: issue.Number}

	output, err := p.cfg.Agent.Run(ctx, issue)
	if err != nil {
		run.Outcome = history.OutcomeFailed
		run.Error = shared.Redact(err.Error())
		p.cfg.Diags.Record(diag.CategoryUnknown, "worker.agent", err)
		return run
	}

	result, err := p.validator.Parse(output)
	if err != nil {
		run.Outcome = history.OutcomeFailed
		run.Error = shared.Redact(err.Error())
		p.cfg.Diags.Record(diag.CategoryExpected, "worker.result", err)
		return run
	}

	run.Outcome = result.Outcome
	run.Summary = result.Summary
	run.PRURL = result.PRURL
	return run
}

func (p *Pool) recordLockEvent(ctx context.Context, issue int, event, detail string, workerID int) {
	if p.cfg.History == nil {
		return
	}
	err := p.cfg.History.RecordLockEvent(ctx, history.LockEvent{
		Issue:     issue,
		SessionID: p.cfg.SessionID,
		Event:     event,
		Detail:    detail,
		WorkerID:  workerID,
	})
	if err != nil {
		p.cfg.Diags.Record(diag.CategoryUnknown, "worker.lock_event", err)
	}
}
