package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all autoissue metrics instruments.
type Metrics struct {
	LockAcquired       metric.Int64Counter
	LockConflicts      metric.Int64Counter
	LockStaleReclaimed metric.Int64Counter
	RetryAttempts      metric.Int64Counter
	TrackerCallErrors  metric.Int64Counter
	AgentRunDuration   metric.Float64Histogram
	ActiveWorkers      metric.Int64UpDownCounter
	IssuesProcessed    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LockAcquired, err = meter.Int64Counter("autoissue.lock.acquired",
		metric.WithDescription("Task locks successfully acquired"),
	)
	if err != nil {
		return nil, err
	}

	m.LockConflicts, err = meter.Int64Counter("autoissue.lock.conflicts",
		metric.WithDescription("Acquire attempts refused because another session held the lock"),
	)
	if err != nil {
		return nil, err
	}

	m.LockStaleReclaimed, err = meter.Int64Counter("autoissue.lock.stale_reclaimed",
		metric.WithDescription("Stale or abandoned locks force-claimed"),
	)
	if err != nil {
		return nil, err
	}

	m.RetryAttempts, err = meter.Int64Counter("autoissue.retry.attempts",
		metric.WithDescription("Retry attempts across all tracker operations"),
	)
	if err != nil {
		return nil, err
	}

	m.TrackerCallErrors, err = meter.Int64Counter("autoissue.tracker.errors",
		metric.WithDescription("Tracker CLI call errors after retries"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentRunDuration, err = meter.Float64Histogram("autoissue.agent.run.duration",
		metric.WithDescription("Agent run duration per issue in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("autoissue.worker.active",
		metric.WithDescription("Number of currently active issue workers"),
	)
	if err != nil {
		return nil, err
	}

	m.IssuesProcessed, err = meter.Int64Counter("autoissue.issues.processed",
		metric.WithDescription("Issues processed to a terminal outcome"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
