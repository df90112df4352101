// Package doctor runs environment diagnostics: everything the worker
// loop depends on (state directory, lock store, run history, tracker
// CLI, agent command, network) checked up front so failures surface
// before a run, not in the middle of one.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/calder/autoissue/internal/config"
	"github.com/calder/autoissue/internal/history"
	"github.com/calder/autoissue/internal/lock"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, config.Config) CheckResult{
		checkConfig,
		checkStateDir,
		checkLockStore,
		checkDatabase,
		checkTrackerCLI,
		checkAgentCommand,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg config.Config) CheckResult {
	if cfg.HomeDir == "" {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.Repo == "" {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "No repository configured",
			Detail:  "Set repo in config.yaml or AUTOISSUE_REPO",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s (repo %s)", cfg.HomeDir, cfg.Repo)}
}

func checkStateDir(_ context.Context, cfg config.Config) CheckResult {
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "State Dir", Status: "FAIL", Message: fmt.Sprintf("State dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "State Dir", Status: "PASS", Message: "State directory writable"}
}

func checkLockStore(_ context.Context, cfg config.Config) CheckResult {
	locks, err := lock.NewManager(lock.Config{
		StateDir:       cfg.HomeDir,
		TimeoutMinutes: cfg.LockTimeoutMinutes,
	})
	if err != nil {
		return CheckResult{Name: "Lock Store", Status: "FAIL", Message: fmt.Sprintf("Lock store init failed: %v", err)}
	}
	infos := locks.List(0)
	stale := 0
	for _, info := range infos {
		if info.Stale {
			stale++
		}
	}
	msg := fmt.Sprintf("%d lock(s), %d stale", len(infos), stale)
	if stale > 0 {
		return CheckResult{
			Name:    "Lock Store",
			Status:  "WARN",
			Message: msg,
			Detail:  "Run 'autoissue locks cleanup' to reclaim them",
		}
	}
	return CheckResult{Name: "Lock Store", Status: "PASS", Message: msg}
}

func checkDatabase(ctx context.Context, cfg config.Config) CheckResult {
	store, err := history.Open(history.DBPath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListRuns(ctx, 0, 1); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkTrackerCLI(ctx context.Context, cfg config.Config) CheckResult {
	path, err := exec.LookPath(cfg.GHBinary)
	if err != nil {
		return CheckResult{
			Name:    "Tracker CLI",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s not found on PATH", cfg.GHBinary),
			Detail:  "Install the GitHub CLI or set AUTOISSUE_GH_BINARY",
		}
	}

	cmd := exec.CommandContext(ctx, cfg.GHBinary, "auth", "status")
	if err := cmd.Run(); err != nil {
		return CheckResult{
			Name:    "Tracker CLI",
			Status:  "WARN",
			Message: fmt.Sprintf("%s found but not authenticated", cfg.GHBinary),
			Detail:  fmt.Sprintf("Run '%s auth login'", cfg.GHBinary),
		}
	}
	return CheckResult{Name: "Tracker CLI", Status: "PASS", Message: fmt.Sprintf("%s authenticated", path)}
}

func checkAgentCommand(_ context.Context, cfg config.Config) CheckResult {
	path, err := exec.LookPath(cfg.Agent.Command)
	if err != nil {
		return CheckResult{
			Name:    "Agent",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s not found on PATH", cfg.Agent.Command),
			Detail:  "Set agent.command in config.yaml or AUTOISSUE_AGENT_COMMAND",
		}
	}
	return CheckResult{Name: "Agent", Status: "PASS", Message: path}
}

func checkNetwork(ctx context.Context, _ config.Config) CheckResult {
	const host = "api.github.com"

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
