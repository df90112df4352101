package main

import (
	"context"
	"testing"

	"github.com/calder/autoissue/internal/history"
	"github.com/calder/autoissue/internal/lock"
)

// setTestHome points the state directory at a temp dir so commands never
// touch the real ~/.autoissue.
func setTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AUTOISSUE_HOME", home)
	t.Setenv("AUTOISSUE_REPO", "")
	return home
}

func TestRunStatusCommand_FreshHome(t *testing.T) {
	setTestHome(t)
	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunLocksCommand_NoAction(t *testing.T) {
	setTestHome(t)
	if code := runLocksCommand(context.Background(), nil, true); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunLocksCommand_UnknownAction(t *testing.T) {
	setTestHome(t)
	if code := runLocksCommand(context.Background(), []string{"defrag"}, true); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunLocksCommand_ListAndRelease(t *testing.T) {
	home := setTestHome(t)

	locks, err := lock.NewManager(lock.Config{StateDir: home})
	if err != nil {
		t.Fatalf("new lock manager: %v", err)
	}
	if res := locks.Acquire(42, "session-x", lock.AcquireOptions{}); !res.Acquired {
		t.Fatalf("acquire: %s", res.Message)
	}

	if code := runLocksCommand(context.Background(), []string{"list"}, true); code != 0 {
		t.Fatalf("list: got exit code %d, want 0", code)
	}
	if code := runLocksCommand(context.Background(), []string{"release", "42"}, true); code != 0 {
		t.Fatalf("release: got exit code %d, want 0", code)
	}
	if remaining := locks.List(0); len(remaining) != 0 {
		t.Fatalf("lock survived release: %#v", remaining)
	}
}

func TestRunLocksCommand_ReleaseBadIssue(t *testing.T) {
	setTestHome(t)
	if code := runLocksCommand(context.Background(), []string{"release", "nope"}, true); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunLocksCommand_CleanupNoStale(t *testing.T) {
	setTestHome(t)
	if code := runLocksCommand(context.Background(), []string{"cleanup"}, true); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunHistoryCommand_Empty(t *testing.T) {
	setTestHome(t)
	if code := runHistoryCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunHistoryCommand_WithRuns(t *testing.T) {
	home := setTestHome(t)

	hist, err := history.Open(history.DBPath(home))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	_, err = hist.RecordRun(context.Background(), history.Run{
		Issue:     7,
		SessionID: "session-x",
		Outcome:   history.OutcomeCompleted,
		Summary:   "fixed the flake",
	})
	if err != nil {
		t.Fatalf("record run: %v", err)
	}
	hist.Close()

	if code := runHistoryCommand(context.Background(), []string{"-issue", "7"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if code := runHistoryCommand(context.Background(), []string{"-events"}); code != 0 {
		t.Fatalf("events: got exit code %d, want 0", code)
	}
}

func TestRunRunCommand_RequiresRepo(t *testing.T) {
	setTestHome(t)
	if code := runRunCommand(context.Background(), nil, true); code != 1 {
		t.Fatalf("got exit code %d, want 1 without a repo", code)
	}
}

func TestRunRunCommand_BadFlag(t *testing.T) {
	setTestHome(t)
	if code := runRunCommand(context.Background(), []string{"-bogus"}, true); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}
