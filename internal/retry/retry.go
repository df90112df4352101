// Package retry shields calls to the external issue-tracker CLI: failures
// are classified into recoverable and non-recoverable kinds, and only the
// recoverable ones are re-attempted with exponential backoff and jitter.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/calder/autoissue/internal/diag"
)

// Defaults for the backoff policy.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1000 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitter      = 500 * time.Millisecond
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultPolicy returns the standard tracker-call policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Engine wraps calls to an unreliable external service.
type Engine struct {
	policy Policy
	logger *slog.Logger
	diags  *diag.Registry
}

// NewEngine creates an Engine. logger may be nil (slog default).
func NewEngine(policy Policy, logger *slog.Logger, diags *diag.Registry) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{policy: policy.normalized(), logger: logger, diags: diags}
}

// BackoffDelay computes the wait before the given 1-based attempt:
// min(base × 2^(attempt−1) + uniform(0, jitter), max).
func BackoffDelay(attempt int, p Policy) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.Jitter > 0 {
		exp += rand.Float64() * float64(p.Jitter)
	}
	if capped := float64(p.MaxDelay); exp > capped {
		exp = capped
	}
	return time.Duration(exp)
}

// Do invokes fn up to MaxAttempts times. Non-recoverable failures
// propagate immediately; recoverable ones wait out the backoff delay
// (bounded by a parsed retry-after hint when present) before the next
// attempt. The last attempt's error is returned on exhaustion. Waits are
// cancelled by ctx.
func Do[T any](ctx context.Context, e *Engine, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		class := Classify(err)
		if !class.Recoverable {
			e.logger.Debug("non-recoverable failure", "op", op, "kind", string(class.Kind), "error", err.Error())
			return zero, err
		}
		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := BackoffDelay(attempt, e.policy)
		if class.RetryAfter > 0 && class.RetryAfter < delay {
			delay = class.RetryAfter
		}
		e.diags.Record(diag.CategoryRetriable, op, err)
		e.logger.Warn("recoverable failure, retrying",
			"op", op,
			"kind", string(class.Kind),
			"attempt", attempt,
			"max_attempts", e.policy.MaxAttempts,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// DoSafe is Do for call sites that treat absence as "not found" rather
// than failure: the final error is swallowed into the diagnostics
// registry and ok=false is returned.
func DoSafe[T any](ctx context.Context, e *Engine, op string, fn func(context.Context) (T, error)) (T, bool) {
	result, err := Do(ctx, e, op, fn)
	if err != nil {
		e.diags.Record(diag.CategoryExpected, op, err)
		var zero T
		return zero, false
	}
	return result, true
}
