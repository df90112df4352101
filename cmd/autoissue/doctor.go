package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/calder/autoissue/internal/config"
	"github.com/calder/autoissue/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Continue anyway to diagnose why.
	}

	diagnosis := doctor.Run(ctx, cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diagnosis); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		if diagnosis.Failed() {
			return 1
		}
		return 0
	}

	fmt.Printf("autoissue doctor report (%s)\n", diagnosis.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diagnosis.System.OS, diagnosis.System.Arch, diagnosis.System.Go)
	fmt.Println("---")

	for _, res := range diagnosis.Results {
		icon := "ok  "
		switch res.Status {
		case "FAIL":
			icon = "FAIL"
		case "WARN":
			icon = "warn"
		case "SKIP":
			icon = "skip"
		}
		fmt.Printf("[%s] %-12s %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("       %s\n", res.Detail)
		}
	}

	if diagnosis.Failed() {
		return 1
	}
	return 0
}
