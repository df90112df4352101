package fsatomic_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/calder/autoissue/internal/fsatomic"
)

func TestWrite_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := fsatomic.Write(path, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("content = %q, want hello", got)
	}
}

func TestWrite_ReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := fsatomic.Write(path, []byte("new")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "new" {
		t.Fatalf("content = %q, want new", got)
	}
}

func TestWrite_NoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := fsatomic.Write(path, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWrite_MissingDirFailsWithoutTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nope", "state.json")

	if err := fsatomic.Write(path, []byte("x")); err == nil {
		t.Fatal("expected error for missing directory")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("target should not exist, stat err = %v", err)
	}
}

func TestWriteJSON_StableFormatting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lock.json")

	v := map[string]any{"issue_number": 42, "session_id": "s-a"}
	if err := fsatomic.WriteJSON(path, v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("expected trailing newline")
	}
	if !strings.Contains(string(data), "  \"issue_number\": 42") {
		t.Errorf("expected 2-space indented output, got:\n%s", data)
	}

	var back map[string]any
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if back["session_id"] != "s-a" {
		t.Errorf("session_id = %v", back["session_id"])
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"ebusy", syscall.EBUSY, true},
		{"eagain wrapped", os.NewSyscallError("open", syscall.EAGAIN), true},
		{"emfile", syscall.EMFILE, true},
		{"message match", errors.New("device or resource busy"), true},
		{"too many open files", errors.New("too many open files"), true},
		{"permission", os.ErrPermission, false},
		{"not exist", os.ErrNotExist, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := fsatomic.IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestWriteRetry_NonTransientFailsFast(t *testing.T) {
	dir := t.TempDir()
	// Missing parent dir produces ENOENT, which must not be retried.
	path := filepath.Join(dir, "missing", "state.json")
	if err := fsatomic.WriteRetry(path, []byte("x"), 3); err == nil {
		t.Fatal("expected error")
	}
}
