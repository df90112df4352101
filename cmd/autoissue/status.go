package main

import (
	"context"
	"fmt"
	"os"

	"github.com/calder/autoissue/internal/config"
	"github.com/calder/autoissue/internal/history"
	"github.com/calder/autoissue/internal/lock"
)

func runStatusCommand(ctx context.Context, _ []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	fmt.Printf("autoissue %s\n\n", Version)
	fmt.Printf("state dir:        %s\n", cfg.HomeDir)
	repo := cfg.Repo
	if repo == "" {
		repo = "(not configured)"
	}
	fmt.Printf("repo:             %s\n", repo)
	fmt.Printf("workers:          %d\n", cfg.WorkerCount)
	fmt.Printf("lock timeout:     %dm\n", cfg.LockTimeoutMinutes)
	fmt.Printf("heartbeat:        %ds\n", cfg.HeartbeatIntervalSeconds)
	fmt.Printf("agent:            %s (timeout %dm)\n", cfg.Agent.Command, cfg.Agent.TimeoutMinutes)
	fmt.Printf("janitor:          enabled=%v schedule=%q\n", cfg.Janitor.Enabled, cfg.Janitor.Schedule)
	fmt.Printf("retention:        %d days\n", cfg.HistoryRetentionDays)
	fmt.Printf("config:           %s\n", cfg.Fingerprint())

	locks, err := lock.NewManager(lock.Config{
		StateDir:       cfg.HomeDir,
		TimeoutMinutes: cfg.LockTimeoutMinutes,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock store init: %v\n", err)
		return 1
	}
	infos := locks.List(0)
	stale := 0
	for _, info := range infos {
		if info.Stale {
			stale++
		}
	}
	fmt.Printf("\nlocks:            %d active, %d stale\n", len(infos)-stale, stale)

	hist, err := history.Open(history.DBPath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open history: %v\n", err)
		return 1
	}
	defer hist.Close()

	runs, err := hist.ListRuns(ctx, 0, 5)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list runs: %v\n", err)
		return 1
	}
	if len(runs) == 0 {
		fmt.Println("recent runs:      none")
		return 0
	}
	fmt.Println("\nrecent runs:")
	for _, run := range runs {
		fmt.Printf("  %s  #%-5d %-10s %s\n",
			run.FinishedAt.Local().Format("2006-01-02 15:04"),
			run.Issue,
			run.Outcome,
			run.Summary,
		)
	}
	return 0
}
