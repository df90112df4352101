// Package lock implements distributed mutual exclusion over a shared
// filesystem: one JSON record per work item, heartbeat renewal, staleness
// and abandonment detection, and forced reclaim. Locks are meaningful only
// among processes sharing one filesystem; the atomic-rename write is the
// sole cross-process synchronization primitive.
package lock

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/calder/autoissue/internal/schema"
)

const (
	// DefaultTimeoutMinutes is the staleness threshold: a lock whose
	// heartbeat is older than this may be reclaimed.
	DefaultTimeoutMinutes = 120
	// HeartbeatInterval is how often a held lock's heartbeat is renewed.
	HeartbeatInterval = 30 * time.Second

	lockFilePrefix = "issue-"
	lockFileSuffix = ".lock"
)

// TaskLock is the persisted ownership record for one work item. The file
// is the sole authority on ownership.
type TaskLock struct {
	IssueNumber   int       `json:"issue_number"`
	SessionID     string    `json:"session_id"`
	PID           int       `json:"pid"`
	Hostname      string    `json:"hostname"`
	LockedAt      time.Time `json:"locked_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	WorkerID      *int      `json:"worker_id,omitempty"`
	RepoName      string    `json:"repo_name,omitempty"`
}

// LockInfo annotates a TaskLock with the derived status fields reported
// by listings.
type LockInfo struct {
	TaskLock
	LockedSeconds       int64
	HeartbeatAgeSeconds int64
	Stale               bool
}

// recordSchema declares the structural constraints a lock file must meet
// before its contents are trusted. No field carries a default: lock data
// is never recovered, since a corrupted lock must not silently grant or
// retain exclusivity.
func recordSchema() *schema.Object {
	return &schema.Object{
		Properties: map[string]schema.FieldSchema{
			"issue_number": &schema.Number{
				Common:  schema.Common{Required: true},
				Integer: true,
				Min:     schema.Float(1),
			},
			"session_id": &schema.String{
				Common:    schema.Common{Required: true},
				MinLength: schema.Int(1),
			},
			"pid": &schema.Number{
				Common:  schema.Common{Required: true},
				Integer: true,
				Min:     schema.Float(1),
			},
			"hostname": &schema.String{
				Common:    schema.Common{Required: true},
				MinLength: schema.Int(1),
			},
			"locked_at": &schema.String{
				Common:    schema.Common{Required: true},
				MinLength: schema.Int(1),
			},
			"last_heartbeat": &schema.String{
				Common:    schema.Common{Required: true},
				MinLength: schema.Int(1),
			},
			"worker_id": &schema.Number{Integer: true},
			"repo_name": &schema.String{},
		},
	}
}

// FileName returns the lock file name for an issue number.
func FileName(issue int) string {
	return fmt.Sprintf("%s%d%s", lockFilePrefix, issue, lockFileSuffix)
}

// issueFromFileName parses the issue number out of a lock file name, or
// returns false for names that are not lock files.
func issueFromFileName(name string) (int, bool) {
	if !strings.HasPrefix(name, lockFilePrefix) || !strings.HasSuffix(name, lockFileSuffix) {
		return 0, false
	}
	mid := name[len(lockFilePrefix) : len(name)-len(lockFileSuffix)]
	n, err := strconv.Atoi(mid)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// NewSessionID generates a worker session identity:
// <hostname>-<pid>-<base36 timestamp>-<random suffix>. Unique enough to
// disambiguate concurrent processes on the same host.
func NewSessionID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s-%04x",
		hostname,
		os.Getpid(),
		strconv.FormatInt(time.Now().UnixMilli(), 36),
		uint32(rand.Intn(0x10000)),
	)
}

// StoreDir returns the lock store directory inside the state directory.
func StoreDir(stateDir string) string {
	return filepath.Join(stateDir, "locks")
}
