package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HeartbeatRunner renews one held lock on a fixed interval until the
// owner stops it. The owner stops it deterministically on release; after
// a crash, staleness detection substitutes for cancellation.
type HeartbeatRunner struct {
	manager   *Manager
	issue     int
	sessionID string
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatRunner creates a runner for one issue/session pair.
// interval <= 0 uses the default heartbeat interval.
func NewHeartbeatRunner(manager *Manager, issue int, sessionID string, interval time.Duration, logger *slog.Logger) *HeartbeatRunner {
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatRunner{
		manager:   manager,
		issue:     issue,
		sessionID: sessionID,
		interval:  interval,
		logger:    logger,
	}
}

// Start begins the renewal loop in a background goroutine. It respects
// the provided context for shutdown.
func (r *HeartbeatRunner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (r *HeartbeatRunner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *HeartbeatRunner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.manager.Heartbeat(r.issue, r.sessionID) {
				// The lock is gone or reclaimed; renewing further would
				// fight the new owner.
				r.logger.Warn("heartbeat lost lock, stopping renewal",
					"issue", r.issue, "session", r.sessionID)
				return
			}
		}
	}
}
