package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s run [options]            Process the open-issue backlog once
                              Options: -issue <n>, -label <name>,
                                       -workers <n>, -force
  %s locks <action>           Manage task locks
                              Actions: list, cleanup, release <issue>
  %s history [options]        Show recent runs
                              Options: -issue <n>, -limit <n>
  %s status                   Show configuration and lock store status
  %s doctor [-json]           Run environment diagnostics
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AUTOISSUE_HOME          State directory (default: ~/.autoissue)
  AUTOISSUE_REPO          Tracker repository (owner/name)
  AUTOISSUE_WORKER_COUNT  Concurrent issue workers
  AUTOISSUE_GH_BINARY     GitHub CLI executable (default: gh)

EXAMPLES:
  Process the backlog:    %s run
  Work one issue:         %s run -issue 42
  Inspect locks:          %s locks list
  Sweep stale locks:      %s locks cleanup
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	// Quiet logs (file-only) when attached to a terminal so command
	// output stays clean.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "run":
		os.Exit(runRunCommand(ctx, args[1:], quietLogs))
	case "locks":
		os.Exit(runLocksCommand(ctx, args[1:], quietLogs))
	case "history":
		os.Exit(runHistoryCommand(ctx, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	case "version":
		fmt.Println(Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}
