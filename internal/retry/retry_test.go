package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calder/autoissue/internal/diag"
	"github.com/calder/autoissue/internal/retry"
)

func fastEngine(t *testing.T, maxAttempts int) *retry.Engine {
	t.Helper()
	return retry.NewEngine(retry.Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Jitter:      0,
	}, nil, diag.NewRegistry(32, nil))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name        string
		msg         string
		kind        retry.Kind
		recoverable bool
	}{
		{"auth 401", "HTTP 401: Bad credentials", retry.KindAuthError, false},
		{"auth 403", "403 Forbidden", retry.KindAuthError, false},
		{"not found", "HTTP 404: Not Found", retry.KindNotFound, false},
		{"validation", "HTTP 422: Unprocessable Entity", retry.KindValidation, false},
		{"rate limit", "API rate limit exceeded", retry.KindRateLimit, true},
		{"too many requests", "429 too many requests", retry.KindRateLimit, true},
		{"bad gateway", "HTTP 502 Bad Gateway", retry.KindServerError, true},
		{"unavailable", "503 Service Unavailable", retry.KindServerError, true},
		{"timeout", "request timed out", retry.KindNetworkError, true},
		{"refused", "dial tcp: connection refused", retry.KindNetworkError, true},
		{"dns", "lookup api.github.com: no such host", retry.KindNetworkError, true},
		{"unknown", "something odd happened", retry.KindUnknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := retry.Classify(errors.New(tc.msg))
			if c.Kind != tc.kind {
				t.Errorf("kind = %s, want %s", c.Kind, tc.kind)
			}
			if c.Recoverable != tc.recoverable {
				t.Errorf("recoverable = %v, want %v", c.Recoverable, tc.recoverable)
			}
		})
	}
}

func TestClassify_RetryAfterParsed(t *testing.T) {
	c := retry.Classify(errors.New("rate limit exceeded, retry after 7 seconds"))
	if c.RetryAfter != 7*time.Second {
		t.Fatalf("RetryAfter = %v, want 7s", c.RetryAfter)
	}

	c = retry.Classify(errors.New("429 Too Many Requests, Retry-After: 30"))
	if c.RetryAfter != 30*time.Second {
		t.Fatalf("RetryAfter = %v, want 30s", c.RetryAfter)
	}

	c = retry.Classify(errors.New("rate limit exceeded"))
	if c.RetryAfter != 0 {
		t.Fatalf("RetryAfter = %v, want 0 without a hint", c.RetryAfter)
	}
}

func TestBackoffDelay_Bounds(t *testing.T) {
	p := retry.Policy{
		BaseDelay:   1000 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      500 * time.Millisecond,
		MaxAttempts: 3,
	}
	// attempt 3: 1000 × 2^2 = 4000ms plus jitter in [0, 500).
	for i := 0; i < 50; i++ {
		d := retry.BackoffDelay(3, p)
		if d < 4000*time.Millisecond || d >= 4500*time.Millisecond {
			t.Fatalf("BackoffDelay(3) = %v, want [4s, 4.5s)", d)
		}
	}
}

func TestBackoffDelay_CappedAtMax(t *testing.T) {
	p := retry.Policy{
		BaseDelay:   1000 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      500 * time.Millisecond,
		MaxAttempts: 10,
	}
	if d := retry.BackoffDelay(10, p); d != 30*time.Second {
		t.Fatalf("BackoffDelay(10) = %v, want capped 30s", d)
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	e := fastEngine(t, 3)
	calls := 0
	got, err := retry.Do(context.Background(), e, "test", func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestDo_RetriesRecoverable(t *testing.T) {
	e := fastEngine(t, 3)
	calls := 0
	got, err := retry.Do(context.Background(), e, "test", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("503 Service Unavailable")
		}
		return 99, nil
	})
	if err != nil || got != 99 {
		t.Fatalf("got %d, %v", got, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_NonRecoverableFailsFast(t *testing.T) {
	e := fastEngine(t, 3)
	calls := 0
	_, err := retry.Do(context.Background(), e, "test", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("HTTP 401: Bad credentials")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retries on auth errors)", calls)
	}
}

func TestDo_UnknownFailsFast(t *testing.T) {
	e := fastEngine(t, 3)
	calls := 0
	_, err := retry.Do(context.Background(), e, "test", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("weird unclassifiable failure")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (unknown errors fail fast)", calls)
	}
}

func TestDo_ExhaustionReturnsLastError(t *testing.T) {
	e := fastEngine(t, 3)
	calls := 0
	_, err := retry.Do(context.Background(), e, "test", func(context.Context) (int, error) {
		calls++
		if calls == 3 {
			return 0, errors.New("timeout on final attempt")
		}
		return 0, errors.New("connection refused")
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if err == nil || err.Error() != "timeout on final attempt" {
		t.Fatalf("err = %v, want the last attempt's error", err)
	}
}

func TestDo_ContextCancelsWait(t *testing.T) {
	e := retry.NewEngine(retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Second,
		MaxDelay:    30 * time.Second,
	}, nil, diag.NewRegistry(8, nil))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := retry.Do(ctx, e, "test", func(context.Context) (int, error) {
		return 0, errors.New("connection reset by peer")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("wait was not cancelled promptly: %v", elapsed)
	}
}

func TestDoSafe_SwallowsFinalError(t *testing.T) {
	reg := diag.NewRegistry(8, nil)
	e := retry.NewEngine(retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil, reg)

	got, ok := retry.DoSafe(context.Background(), e, "test", func(context.Context) (*int, error) {
		return nil, errors.New("HTTP 404: Not Found")
	})
	if ok {
		t.Fatal("expected ok=false")
	}
	if got != nil {
		t.Fatalf("got %v, want zero value", got)
	}
	if reg.Total() == 0 {
		t.Error("swallowed error should be recorded")
	}
}
