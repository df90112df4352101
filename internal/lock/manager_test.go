package lock_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/calder/autoissue/internal/diag"
	"github.com/calder/autoissue/internal/fsatomic"
	"github.com/calder/autoissue/internal/lock"
)

// fakeClock is a settable clock for staleness scenarios.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, clock *fakeClock, alive func(int) bool) *lock.Manager {
	t.Helper()
	cfg := lock.Config{
		StateDir: t.TempDir(),
		Diags:    diag.NewRegistry(64, nil),
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	if alive != nil {
		cfg.Alive = alive
	}
	m, err := lock.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAcquire_EmptyStore(t *testing.T) {
	m := newTestManager(t, nil, nil)

	res := m.Acquire(42, "S-A", lock.AcquireOptions{})
	if !res.Acquired {
		t.Fatalf("expected acquired, got %+v", res)
	}
	if res.Lock == nil || res.Lock.IssueNumber != 42 || res.Lock.SessionID != "S-A" {
		t.Fatalf("lock record = %+v", res.Lock)
	}
	if _, err := os.Stat(filepath.Join(m.Dir(), lock.FileName(42))); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
}

func TestAcquire_ConflictThenReleaseThenAcquire(t *testing.T) {
	m := newTestManager(t, nil, nil)

	if res := m.Acquire(42, "S-A", lock.AcquireOptions{}); !res.Acquired {
		t.Fatalf("first acquire: %+v", res)
	}

	res := m.Acquire(42, "S-B", lock.AcquireOptions{})
	if res.Acquired {
		t.Fatal("second session must not acquire an active lock")
	}
	if res.Reason != lock.ReasonAlreadyLocked {
		t.Fatalf("reason = %q, want already_locked", res.Reason)
	}
	if res.Message == "" || res.Lock.SessionID != "S-A" {
		t.Fatalf("conflict result should name the owner: %+v", res)
	}

	if err := m.Release(42, "S-A"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if res := m.Acquire(42, "S-B", lock.AcquireOptions{}); !res.Acquired {
		t.Fatalf("acquire after release: %+v", res)
	}
}

func TestAcquire_IdempotentForOwner(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(t, clock, nil)

	first := m.Acquire(7, "S-A", lock.AcquireOptions{})
	if !first.Acquired {
		t.Fatalf("first: %+v", first)
	}
	hb1 := first.Lock.LastHeartbeat

	clock.Advance(5 * time.Minute)
	second := m.Acquire(7, "S-A", lock.AcquireOptions{})
	if !second.Acquired {
		t.Fatalf("re-acquire by owner must succeed: %+v", second)
	}
	if second.Lock.LastHeartbeat.Before(hb1) {
		t.Fatalf("heartbeat went backwards: %v -> %v", hb1, second.Lock.LastHeartbeat)
	}
	if !second.Lock.LockedAt.Equal(first.Lock.LockedAt) {
		t.Errorf("refresh must preserve locked_at")
	}
}

func TestAcquire_StaleLock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	alive := func(int) bool { return true }
	m := newTestManager(t, clock, alive)

	if res := m.Acquire(9, "S-A", lock.AcquireOptions{}); !res.Acquired {
		t.Fatalf("setup: %+v", res)
	}

	// Past the 120-minute default timeout.
	clock.Advance(3 * time.Hour)

	res := m.Acquire(9, "S-B", lock.AcquireOptions{})
	if res.Acquired || res.Reason != lock.ReasonStaleLock {
		t.Fatalf("expected stale_lock, got %+v", res)
	}
	if res.Message == "" {
		t.Error("stale result should include the last heartbeat time")
	}

	forced := m.Acquire(9, "S-B", lock.AcquireOptions{ForceClaim: true})
	if !forced.Acquired {
		t.Fatalf("force claim: %+v", forced)
	}
	if forced.Lock.SessionID != "S-B" {
		t.Fatalf("record not replaced: %+v", forced.Lock)
	}
}

func TestAcquire_CustomTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(t, clock, func(int) bool { return true })

	m.Acquire(3, "S-A", lock.AcquireOptions{})
	clock.Advance(10 * time.Minute)

	res := m.Acquire(3, "S-B", lock.AcquireOptions{TimeoutMinutes: 5})
	if res.Reason != lock.ReasonStaleLock {
		t.Fatalf("10min-old lock with 5min timeout should be stale, got %+v", res)
	}
}

func TestAcquire_AbandonedLock(t *testing.T) {
	m := newTestManager(t, nil, func(pid int) bool { return false })

	// A fresh lock from a dead process on this host: abandoned despite a
	// recent heartbeat.
	if res := m.Acquire(5, "S-DEAD", lock.AcquireOptions{}); !res.Acquired {
		t.Fatalf("setup: %+v", res)
	}

	res := m.Acquire(5, "S-B", lock.AcquireOptions{})
	if res.Acquired || res.Reason != lock.ReasonStaleLock {
		t.Fatalf("abandoned lock without force claim should fail stale_lock, got %+v", res)
	}

	forced := m.Acquire(5, "S-B", lock.AcquireOptions{ForceClaim: true})
	if !forced.Acquired {
		t.Fatalf("force claim of abandoned lock: %+v", forced)
	}
}

func TestAcquire_CorruptedFileIsNoLock(t *testing.T) {
	m := newTestManager(t, nil, nil)
	path := filepath.Join(m.Dir(), lock.FileName(11))
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := m.Acquire(11, "S-A", lock.AcquireOptions{})
	if !res.Acquired {
		t.Fatalf("corrupted lock must not block acquisition: %+v", res)
	}
}

func TestAcquire_InvalidRecordIsNoLock(t *testing.T) {
	m := newTestManager(t, nil, nil)
	path := filepath.Join(m.Dir(), lock.FileName(12))
	// Valid JSON, but missing required fields; never recovered.
	if err := os.WriteFile(path, []byte(`{"issue_number": 12}`), 0o644); err != nil {
		t.Fatal(err)
	}

	res := m.Acquire(12, "S-A", lock.AcquireOptions{})
	if !res.Acquired {
		t.Fatalf("invalid lock record must not block acquisition: %+v", res)
	}
}

func TestAcquire_WorkerIDAndRepoPersisted(t *testing.T) {
	m := newTestManager(t, nil, nil)
	worker := 3
	res := m.Acquire(21, "S-A", lock.AcquireOptions{WorkerID: &worker, RepoName: "calder/autoissue"})
	if !res.Acquired {
		t.Fatalf("%+v", res)
	}

	infos := m.List(0)
	if len(infos) != 1 {
		t.Fatalf("locks = %d", len(infos))
	}
	if infos[0].WorkerID == nil || *infos[0].WorkerID != 3 {
		t.Errorf("worker_id = %v", infos[0].WorkerID)
	}
	if infos[0].RepoName != "calder/autoissue" {
		t.Errorf("repo_name = %q", infos[0].RepoName)
	}
}

func TestHeartbeat(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(t, clock, nil)

	m.Acquire(8, "S-A", lock.AcquireOptions{})

	if m.Heartbeat(8, "S-B") {
		t.Fatal("heartbeat by non-owner must no-op")
	}
	if m.Heartbeat(99, "S-A") {
		t.Fatal("heartbeat without a lock must no-op")
	}

	clock.Advance(time.Minute)
	if !m.Heartbeat(8, "S-A") {
		t.Fatal("owner heartbeat must succeed")
	}
	infos := m.List(0)
	if len(infos) != 1 {
		t.Fatalf("locks = %d", len(infos))
	}
	if got := infos[0].LastHeartbeat; !got.Equal(clock.Now()) {
		t.Errorf("last_heartbeat = %v, want %v", got, clock.Now())
	}
}

func TestRelease_OwnershipVerified(t *testing.T) {
	m := newTestManager(t, nil, nil)
	m.Acquire(4, "S-A", lock.AcquireOptions{})

	err := m.Release(4, "S-B")
	if !errors.Is(err, lock.ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
	if _, statErr := os.Stat(filepath.Join(m.Dir(), lock.FileName(4))); statErr != nil {
		t.Fatal("mismatched release must not delete the lock")
	}

	// Trusted release without a session always succeeds.
	if err := m.Release(4, ""); err != nil {
		t.Fatalf("trusted release: %v", err)
	}
}

func TestRelease_MissingIsSuccess(t *testing.T) {
	m := newTestManager(t, nil, nil)
	if err := m.Release(123, "S-A"); err != nil {
		t.Fatalf("release of absent lock should succeed: %v", err)
	}
}

func TestRoundTrip_WriteThenRead(t *testing.T) {
	m := newTestManager(t, nil, nil)
	worker := 2
	rec := &lock.TaskLock{
		IssueNumber:   77,
		SessionID:     "host-9-4321-k3abc-00ff",
		PID:           4321,
		Hostname:      "host-9",
		LockedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		LastHeartbeat: time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC),
		WorkerID:      &worker,
		RepoName:      "calder/autoissue",
	}
	path := filepath.Join(m.Dir(), lock.FileName(77))
	if err := fsatomic.WriteJSON(path, rec); err != nil {
		t.Fatalf("write: %v", err)
	}

	infos := m.List(0)
	if len(infos) != 1 {
		t.Fatalf("locks = %d, want 1", len(infos))
	}
	got := infos[0].TaskLock
	if got.IssueNumber != rec.IssueNumber ||
		got.SessionID != rec.SessionID ||
		got.PID != rec.PID ||
		got.Hostname != rec.Hostname ||
		!got.LockedAt.Equal(rec.LockedAt) ||
		!got.LastHeartbeat.Equal(rec.LastHeartbeat) ||
		*got.WorkerID != *rec.WorkerID ||
		got.RepoName != rec.RepoName {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}
}

func TestList_StaleAnnotation(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(t, clock, func(int) bool { return true })

	m.Acquire(7, "S-OLD", lock.AcquireOptions{})
	clock.Advance(3 * time.Hour)
	m.Acquire(8, "S-NEW", lock.AcquireOptions{})

	infos := m.List(0) // default 120-minute timeout
	if len(infos) != 2 {
		t.Fatalf("locks = %d, want 2", len(infos))
	}
	byIssue := map[int]lock.LockInfo{}
	for _, info := range infos {
		byIssue[info.IssueNumber] = info
	}
	if !byIssue[7].Stale {
		t.Error("issue 7 with 3h-old heartbeat must be stale")
	}
	if byIssue[8].Stale {
		t.Error("fresh lock must not be stale")
	}
	if byIssue[7].HeartbeatAgeSeconds != int64((3 * time.Hour).Seconds()) {
		t.Errorf("heartbeat age = %d", byIssue[7].HeartbeatAgeSeconds)
	}
	if byIssue[7].LockedSeconds != int64((3 * time.Hour).Seconds()) {
		t.Errorf("locked seconds = %d", byIssue[7].LockedSeconds)
	}
}

func TestList_SkipsInvalidFiles(t *testing.T) {
	m := newTestManager(t, nil, nil)
	m.Acquire(1, "S-A", lock.AcquireOptions{})

	if err := os.WriteFile(filepath.Join(m.Dir(), lock.FileName(2)), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("not a lock"), 0o644); err != nil {
		t.Fatal(err)
	}

	infos := m.List(0)
	if len(infos) != 1 || infos[0].IssueNumber != 1 {
		t.Fatalf("listing should skip invalid files, got %+v", infos)
	}
}

func TestFindStaleAndCleanup(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(t, clock, func(int) bool { return true })

	m.Acquire(1, "S-A", lock.AcquireOptions{})
	m.Acquire(2, "S-B", lock.AcquireOptions{})
	clock.Advance(3 * time.Hour)
	m.Acquire(3, "S-C", lock.AcquireOptions{})

	stale := m.FindStale(0)
	if len(stale) != 2 {
		t.Fatalf("stale = %d, want 2", len(stale))
	}

	if cleaned := m.CleanupStale(0); cleaned != 2 {
		t.Fatalf("cleaned = %d, want 2", cleaned)
	}
	if remaining := m.List(0); len(remaining) != 1 || remaining[0].IssueNumber != 3 {
		t.Fatalf("remaining = %+v", remaining)
	}
}

func TestReleaseSession(t *testing.T) {
	m := newTestManager(t, nil, nil)
	m.Acquire(1, "S-A", lock.AcquireOptions{})
	m.Acquire(2, "S-A", lock.AcquireOptions{})
	m.Acquire(3, "S-B", lock.AcquireOptions{})

	if released := m.ReleaseSession("S-A"); released != 2 {
		t.Fatalf("released = %d, want 2", released)
	}
	infos := m.List(0)
	if len(infos) != 1 || infos[0].SessionID != "S-B" {
		t.Fatalf("remaining = %+v", infos)
	}
}

func TestHeartbeatRunner_RenewsUntilStopped(t *testing.T) {
	m := newTestManager(t, nil, nil)
	m.Acquire(6, "S-A", lock.AcquireOptions{})

	before := m.List(0)[0].LastHeartbeat

	runner := lock.NewHeartbeatRunner(m, 6, "S-A", 20*time.Millisecond, nil)
	runner.Start(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	renewed := false
	for time.Now().Before(deadline) {
		if m.List(0)[0].LastHeartbeat.After(before) {
			renewed = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	runner.Stop()

	if !renewed {
		t.Fatal("heartbeat runner never renewed the lock")
	}
}

func TestNewSessionID_Format(t *testing.T) {
	a := lock.NewSessionID()
	b := lock.NewSessionID()
	if a == b {
		t.Fatalf("session ids should differ: %q", a)
	}
	hostname, _ := os.Hostname()
	if hostname != "" && a[:len(hostname)] != hostname {
		t.Errorf("session id %q should start with hostname %q", a, hostname)
	}
}
