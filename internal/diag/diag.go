// Package diag records intentionally-swallowed errors in a size-bounded,
// process-local registry so they can be summarized at exit instead of
// altering control flow at the point of failure.
package diag

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calder/autoissue/internal/shared"
)

// Category classifies a swallowed error.
type Category string

const (
	// CategoryExpected marks failures that are part of normal operation
	// (lock contention, missing optional files).
	CategoryExpected Category = "expected"
	// CategoryRetriable marks failures the retry engine will re-attempt.
	CategoryRetriable Category = "retriable"
	// CategoryTransient marks one-off environmental failures (EBUSY, EAGAIN).
	CategoryTransient Category = "transient"
	// CategoryUnknown marks failures with no better classification.
	CategoryUnknown Category = "unknown"
)

// Entry is one recorded swallowed error.
type Entry struct {
	Timestamp time.Time
	Category  Category
	Operation string
	Message   string
}

const defaultCapacity = 256

// Registry is a bounded ring of swallowed-error entries. A single Registry
// is constructed at startup and threaded through the components that
// deliberately suppress errors; there is no package-level instance.
type Registry struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	total   int
	cap     int
	logger  *slog.Logger
}

// NewRegistry creates a Registry holding at most capacity entries.
// capacity <= 0 uses the default.
func NewRegistry(capacity int, logger *slog.Logger) *Registry {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make([]Entry, 0, capacity),
		cap:     capacity,
		logger:  logger,
	}
}

// Record notes a swallowed error. Unknown-category entries are also logged
// at warn level; the rest at debug, since they are expected traffic.
func (r *Registry) Record(category Category, operation string, err error) {
	if r == nil || err == nil {
		return
	}
	msg := shared.Redact(err.Error())

	r.mu.Lock()
	e := Entry{Timestamp: time.Now().UTC(), Category: category, Operation: operation, Message: msg}
	if len(r.entries) < r.cap {
		r.entries = append(r.entries, e)
	} else {
		r.entries[r.next] = e
		r.next = (r.next + 1) % r.cap
	}
	r.total++
	r.mu.Unlock()

	if category == CategoryUnknown {
		r.logger.Warn("swallowed error", "op", operation, "category", string(category), "error", msg)
	} else {
		r.logger.Debug("swallowed error", "op", operation, "category", string(category), "error", msg)
	}
}

// Recordf is Record with a formatted synthetic error message.
func (r *Registry) Recordf(category Category, operation, format string, args ...any) {
	r.Record(category, operation, fmt.Errorf(format, args...))
}

// Entries returns a copy of the retained entries, oldest first.
func (r *Registry) Entries() []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	// Ring order: entries[next:] are the oldest once the buffer has wrapped.
	if r.total > r.cap {
		out = append(out, r.entries[r.next:]...)
		out = append(out, r.entries[:r.next]...)
		return out
	}
	return append(out, r.entries...)
}

// Total returns the count of all recorded entries, including evicted ones.
func (r *Registry) Total() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Summary returns per-category counts over the retained entries.
func (r *Registry) Summary() map[Category]int {
	counts := make(map[Category]int)
	for _, e := range r.Entries() {
		counts[e.Category]++
	}
	return counts
}
