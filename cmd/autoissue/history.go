package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/calder/autoissue/internal/config"
	"github.com/calder/autoissue/internal/history"
)

func runHistoryCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	issueNum := fs.Int("issue", 0, "show runs for a single issue")
	limit := fs.Int("limit", 20, "maximum runs to show")
	events := fs.Bool("events", false, "show lock events instead of runs")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	hist, err := history.Open(history.DBPath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open history: %v\n", err)
		return 1
	}
	defer hist.Close()

	if *events {
		return printLockEvents(ctx, hist, *issueNum, *limit)
	}
	return printRuns(ctx, hist, *issueNum, *limit)
}

func printRuns(ctx context.Context, hist *history.Store, issue, limit int) int {
	runs, err := hist.ListRuns(ctx, issue, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list runs: %v\n", err)
		return 1
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tISSUE\tOUTCOME\tDURATION\tSUMMARY")
	for _, run := range runs {
		summary := run.Summary
		if summary == "" && run.Error != "" {
			summary = "error: " + run.Error
		}
		if len(summary) > 72 {
			summary = summary[:69] + "..."
		}
		fmt.Fprintf(w, "%s\t#%d\t%s\t%s\t%s\n",
			run.FinishedAt.Local().Format("2006-01-02 15:04"),
			run.Issue,
			run.Outcome,
			formatDuration(time.Duration(run.DurationMS)*time.Millisecond),
			summary,
		)
	}
	w.Flush()
	return 0
}

func printLockEvents(ctx context.Context, hist *history.Store, issue, limit int) int {
	events, err := hist.ListLockEvents(ctx, issue, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list lock events: %v\n", err)
		return 1
	}
	if len(events) == 0 {
		fmt.Println("no lock events recorded")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tISSUE\tEVENT\tSESSION\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t#%d\t%s\t%s\t%s\n",
			ev.CreatedAt.Local().Format("2006-01-02 15:04"),
			ev.Issue,
			ev.Event,
			ev.SessionID,
			ev.Detail,
		)
	}
	w.Flush()
	return 0
}
