package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/calder/autoissue/internal/diag"
	"github.com/calder/autoissue/internal/fsatomic"
	"github.com/calder/autoissue/internal/jsonsafe"
	"github.com/calder/autoissue/internal/schema"
)

// ErrNotOwner is returned by Release when the caller's session does not
// own the lock.
var ErrNotOwner = errors.New("lock owned by another session")

// Reason explains a failed acquisition.
type Reason string

const (
	ReasonAlreadyLocked Reason = "already_locked"
	ReasonStaleLock     Reason = "stale_lock"
	ReasonError         Reason = "error"
)

// AcquireResult is the structured outcome of an acquisition attempt.
// Ownership conflicts are expected traffic, not process failures.
type AcquireResult struct {
	Acquired bool
	Reason   Reason
	Message  string
	Lock     *TaskLock
}

// AcquireOptions tunes one acquisition.
type AcquireOptions struct {
	// ForceClaim reclaims a stale or abandoned lock by deleting the
	// existing record. Without it, stale locks fail with ReasonStaleLock
	// so the caller can decide.
	ForceClaim bool
	// TimeoutMinutes overrides the manager's staleness threshold.
	TimeoutMinutes int
	WorkerID       *int
	RepoName       string
}

// Config assembles a Manager. All dependencies are explicit; the manager
// keeps no package-level state.
type Config struct {
	// StateDir is the tool's state directory; the lock store lives in
	// its locks/ subdirectory.
	StateDir string
	Logger   *slog.Logger
	Diags    *diag.Registry
	// TimeoutMinutes is the default staleness threshold (120 if zero).
	TimeoutMinutes int
	// Now and Alive exist for tests; nil uses the real clock and a
	// signal-0 process probe.
	Now   func() time.Time
	Alive func(pid int) bool
}

// Manager owns one lock store directory.
type Manager struct {
	dir      string
	logger   *slog.Logger
	diags    *diag.Registry
	decoder  *jsonsafe.Decoder
	timeout  time.Duration
	now      func() time.Time
	alive    func(pid int) bool
	hostname string
}

// NewManager creates the lock store directory if needed and returns a
// Manager for it.
func NewManager(cfg Config) (*Manager, error) {
	dir := StoreDir(cfg.StateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock store: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeoutMinutes := cfg.TimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = DefaultTimeoutMinutes
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	alive := cfg.Alive
	if alive == nil {
		alive = processAlive
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return &Manager{
		dir:      dir,
		logger:   logger,
		diags:    cfg.Diags,
		decoder:  jsonsafe.NewDecoder(logger, cfg.Diags, false),
		timeout:  time.Duration(timeoutMinutes) * time.Minute,
		now:      now,
		alive:    alive,
		hostname: hostname,
	}, nil
}

// Dir returns the lock store directory.
func (m *Manager) Dir() string { return m.dir }

// Acquire attempts to take the lock for issue on behalf of sessionID.
// Acquisition is idempotent for the owning session (the heartbeat is
// refreshed). All failures are reported as a structured result; nothing
// propagates as a panic or error, and any ambiguity resolves to "not
// acquired".
func (m *Manager) Acquire(issue int, sessionID string, opts AcquireOptions) AcquireResult {
	timeout := m.timeout
	if opts.TimeoutMinutes > 0 {
		timeout = time.Duration(opts.TimeoutMinutes) * time.Minute
	}
	path := m.path(issue)

	existing := m.readLock(path)
	if existing == nil {
		return m.acquireFresh(path, issue, sessionID, opts)
	}

	if existing.SessionID == sessionID {
		return m.refresh(path, existing)
	}

	age := m.now().Sub(existing.LastHeartbeat)
	stale := age >= timeout
	abandoned := existing.Hostname == m.hostname && !m.alive(existing.PID)

	if stale || abandoned {
		if !opts.ForceClaim {
			m.diags.Recordf(diag.CategoryExpected, "lock.acquire",
				"issue %d: stale lock held by %s", issue, existing.SessionID)
			return AcquireResult{
				Reason: ReasonStaleLock,
				Message: fmt.Sprintf("lock for issue %d is stale (last heartbeat %s); pass force claim to reclaim",
					issue, existing.LastHeartbeat.Format(time.RFC3339)),
				Lock: existing,
			}
		}
		// Reclaim: delete the dead record, then take the slot.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return m.failure(issue, "remove stale lock", err)
		}
		m.logger.Info("reclaimed lock",
			"issue", issue,
			"previous_session", existing.SessionID,
			"stale", stale,
			"abandoned", abandoned,
		)
		return m.acquireFresh(path, issue, sessionID, opts)
	}

	m.diags.Recordf(diag.CategoryExpected, "lock.acquire",
		"issue %d: held by %s", issue, existing.SessionID)
	return AcquireResult{
		Reason: ReasonAlreadyLocked,
		Message: fmt.Sprintf("issue %d is locked by session %s on %s",
			issue, existing.SessionID, existing.Hostname),
		Lock: existing,
	}
}

// acquireFresh takes an apparently-unheld slot. The exclusive create
// closes the read-then-write race between two first acquirers: the loser
// sees EEXIST instead of silently overwriting the winner.
func (m *Manager) acquireFresh(path string, issue int, sessionID string, opts AcquireOptions) AcquireResult {
	rec := m.newRecord(issue, sessionID, opts)

	err := createExclusive(path, rec)
	if err == nil {
		m.logger.Info("lock acquired", "issue", issue, "session", sessionID)
		return AcquireResult{Acquired: true, Lock: rec}
	}
	if !errors.Is(err, fs.ErrExist) {
		return m.failure(issue, "create lock", err)
	}

	// Lost the race, or the path holds a file we could not read.
	if cur := m.readLock(path); cur != nil {
		if cur.SessionID == sessionID {
			return m.refresh(path, cur)
		}
		m.diags.Recordf(diag.CategoryExpected, "lock.acquire",
			"issue %d: lost create race to %s", issue, cur.SessionID)
		return AcquireResult{
			Reason: ReasonAlreadyLocked,
			Message: fmt.Sprintf("issue %d is locked by session %s on %s",
				issue, cur.SessionID, cur.Hostname),
			Lock: cur,
		}
	}

	// An unreadable or invalid record occupies the slot. Corrupted lock
	// data is "no lock": replace it outright.
	if err := fsatomic.WriteJSON(path, rec); err != nil {
		return m.failure(issue, "replace corrupt lock", err)
	}
	m.logger.Warn("replaced unreadable lock record", "issue", issue, "session", sessionID)
	return AcquireResult{Acquired: true, Lock: rec}
}

// refresh renews the heartbeat on a lock the session already owns.
func (m *Manager) refresh(path string, rec *TaskLock) AcquireResult {
	rec.LastHeartbeat = m.now().UTC()
	if err := fsatomic.WriteJSON(path, rec); err != nil {
		return m.failure(rec.IssueNumber, "refresh lock", err)
	}
	return AcquireResult{Acquired: true, Lock: rec}
}

// Heartbeat renews the lock's heartbeat. It succeeds only if the lock
// exists and is owned by sessionID; otherwise it is a reported no-op.
func (m *Manager) Heartbeat(issue int, sessionID string) bool {
	path := m.path(issue)
	rec := m.readLock(path)
	if rec == nil || rec.SessionID != sessionID {
		m.diags.Recordf(diag.CategoryExpected, "lock.heartbeat",
			"issue %d: no lock owned by %s", issue, sessionID)
		return false
	}
	rec.LastHeartbeat = m.now().UTC()
	if err := fsatomic.WriteJSON(path, rec); err != nil {
		m.diags.Record(diag.CategoryUnknown, "lock.heartbeat", err)
		return false
	}
	return true
}

// Release removes the lock for issue. A missing file counts as released.
// When sessionID is non-empty, ownership is verified first and a
// mismatch fails with ErrNotOwner without deleting. An unreadable record
// is no lock, so it is removed and the release succeeds.
func (m *Manager) Release(issue int, sessionID string) error {
	path := m.path(issue)
	if sessionID != "" {
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read lock: %w", err)
		}
		if rec := m.parseLock(raw, path); rec != nil && rec.SessionID != sessionID {
			m.diags.Recordf(diag.CategoryExpected, "lock.release",
				"issue %d: owned by %s, not %s", issue, rec.SessionID, sessionID)
			return fmt.Errorf("issue %d: %w (owner %s)", issue, ErrNotOwner, rec.SessionID)
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	m.logger.Info("lock released", "issue", issue, "session", sessionID)
	return nil
}

// ForceRelease removes the lock without any ownership check. Used for
// administrative cleanup and stale-lock reclaim.
func (m *Manager) ForceRelease(issue int) error {
	return m.Release(issue, "")
}

// ReleaseSession removes every lock owned by sessionID and returns the
// count. Used at process shutdown.
func (m *Manager) ReleaseSession(sessionID string) int {
	released := 0
	for _, info := range m.List(0) {
		if info.SessionID != sessionID {
			continue
		}
		if err := m.Release(info.IssueNumber, sessionID); err == nil {
			released++
		}
	}
	return released
}

// List enumerates all locks in the store, annotated with age and
// staleness. Invalid or unreadable files are skipped silently: listing is
// a best-effort status view. timeoutMinutes <= 0 uses the manager
// default.
func (m *Manager) List(timeoutMinutes int) []LockInfo {
	timeout := m.timeout
	if timeoutMinutes > 0 {
		timeout = time.Duration(timeoutMinutes) * time.Minute
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.diags.Record(diag.CategoryUnknown, "lock.list", err)
		return nil
	}

	now := m.now()
	var infos []LockInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := issueFromFileName(entry.Name()); !ok {
			continue
		}
		rec := m.readLock(filepath.Join(m.dir, entry.Name()))
		if rec == nil {
			continue
		}
		age := now.Sub(rec.LastHeartbeat)
		infos = append(infos, LockInfo{
			TaskLock:            *rec,
			LockedSeconds:       int64(now.Sub(rec.LockedAt).Seconds()),
			HeartbeatAgeSeconds: int64(age.Seconds()),
			Stale:               age >= timeout,
		})
	}
	return infos
}

// FindStale returns the subset of List whose heartbeat age exceeds the
// timeout.
func (m *Manager) FindStale(timeoutMinutes int) []LockInfo {
	var stale []LockInfo
	for _, info := range m.List(timeoutMinutes) {
		if info.Stale {
			stale = append(stale, info)
		}
	}
	return stale
}

// CleanupStale force-releases every stale lock and returns how many were
// removed.
func (m *Manager) CleanupStale(timeoutMinutes int) int {
	cleaned := 0
	for _, info := range m.FindStale(timeoutMinutes) {
		if err := m.ForceRelease(info.IssueNumber); err != nil {
			m.diags.Record(diag.CategoryUnknown, "lock.cleanup", err)
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		m.logger.Info("cleaned stale locks", "count", cleaned)
	}
	return cleaned
}

func (m *Manager) path(issue int) string {
	return filepath.Join(m.dir, FileName(issue))
}

func (m *Manager) newRecord(issue int, sessionID string, opts AcquireOptions) *TaskLock {
	now := m.now().UTC()
	return &TaskLock{
		IssueNumber:   issue,
		SessionID:     sessionID,
		PID:           os.Getpid(),
		Hostname:      m.hostname,
		LockedAt:      now,
		LastHeartbeat: now,
		WorkerID:      opts.WorkerID,
		RepoName:      opts.RepoName,
	}
}

// readLock loads and validates a lock record. Missing, unreadable, or
// structurally invalid files all yield nil: an unusable record must not
// grant or retain exclusivity.
func (m *Manager) readLock(path string) *TaskLock {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.diags.Record(diag.CategoryTransient, "lock.read", err)
		}
		return nil
	}
	return m.parseLock(raw, path)
}

// parseLock validates raw against the record schema (never with
// recovery) and unmarshals it.
func (m *Manager) parseLock(raw []byte, path string) *TaskLock {
	if m.decoder.DecodeValidated(raw, path, recordSchema(), schema.Options{}) == nil {
		return nil
	}
	var rec TaskLock
	if err := json.Unmarshal(raw, &rec); err != nil {
		// Structurally valid but not parseable into the record type
		// (e.g. malformed timestamps): still no lock.
		m.diags.Record(diag.CategoryExpected, "lock.parse", err)
		return nil
	}
	return &rec
}

// failure converts an unexpected I/O error into the structured error
// result instead of propagating it.
func (m *Manager) failure(issue int, op string, err error) AcquireResult {
	m.diags.Record(diag.CategoryUnknown, "lock."+op, err)
	m.logger.Error("lock operation failed", "issue", issue, "op", op, "error", err.Error())
	return AcquireResult{
		Reason:  ReasonError,
		Message: fmt.Sprintf("%s: %v", op, err),
	}
}

// createExclusive writes rec to path with O_EXCL semantics: it fails with
// fs.ErrExist when the path is already occupied, making first-acquire an
// atomic create-if-absent.
func createExclusive(path string, rec *TaskLock) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write lock: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close lock: %w", err)
	}
	return nil
}
