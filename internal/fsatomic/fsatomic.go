// Package fsatomic provides crash-safe single-file persistence: content is
// written to a sibling temporary file and renamed onto the target, so the
// target is always either its prior state or the full new content. Rename
// atomicity is the filesystem's guarantee; on filesystems without atomic
// rename within a directory the protection weakens.
package fsatomic

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	// DefaultMaxAttempts bounds retries on transient filesystem errors.
	DefaultMaxAttempts = 5
	// retryDelayStep is multiplied by the attempt number between retries.
	retryDelayStep = 50 * time.Millisecond

	fileMode = os.FileMode(0o644)
)

// Write writes data to path atomically. On any failure the temporary file
// is removed best-effort and the original error is returned; the target
// path is never left half-written.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, tempName(filepath.Base(path)))

	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteRetry is Write with bounded retries on transient filesystem errors
// (resource busy, try again, too many open files). The delay grows
// linearly with the attempt number. Non-transient errors propagate
// immediately.
func WriteRetry(path string, data []byte, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = Write(path, data)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == maxAttempts {
			return err
		}
		time.Sleep(time.Duration(attempt) * retryDelayStep)
	}
	return err
}

// WriteJSON marshals v with stable, human-diffable formatting and writes
// it atomically with retries.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	data = append(data, '\n')
	return WriteRetry(path, data, DefaultMaxAttempts)
}

// IsTransient reports whether err is a filesystem error worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EMFILE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"resource busy", "try again", "too many open files"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// tempName derives a sibling temp-file name unique enough to avoid
// collisions between concurrent writers of the same target.
func tempName(base string) string {
	return fmt.Sprintf(".%s.%d.%d.%04x.tmp", base, os.Getpid(), time.Now().UnixNano(), uint32(rand.Intn(0x10000)))
}
