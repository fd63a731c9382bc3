package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/target/listingsync/config"
	"github.com/target/listingsync/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer

	// open connects the admin services; replaced in tests.
	open func(ctx context.Context, cmdCtx *commandContext) (*adminServices, error)
}

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultCommandTimeout   = 2 * time.Minute
	defaultRunJobTimeout    = 15 * time.Minute
)

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must signal invalid invocation to callers
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command failed", "error", err)
		}
		if err := printUsage(os.Stderr); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must signal invalid invocation to callers
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must propagate configuration failure to callers
	}
	bootstrap.SetLogLevel(cfg.SlogLevel())

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
		Out:    os.Stdout,
		open:   openServices,
	}

	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
		"jobs-list": {
			name:        "jobs-list",
			description: "List jobs, optionally filtered by --status and --target",
			run:         runJobsList,
		},
		"jobs-create": {
			name:        "jobs-create",
			description: "Create a crawl or enrich job for a target",
			run:         runJobsCreate,
		},
		"jobs-get": {
			name:        "jobs-get",
			description: "Show a single job as JSON",
			run:         runJobsGet,
		},
		"jobs-cancel": {
			name:        "jobs-cancel",
			description: "Cancel a pending job or flag a running one for cancellation",
			run:         runJobsCancel,
		},
		"jobs-requeue": {
			name:        "jobs-requeue",
			description: "Return a completed, failed or cancelled job to pending",
			run:         runJobsRequeue,
		},
		"jobs-stats": {
			name:        "jobs-stats",
			description: "Print job counts per status",
			run:         runJobsStats,
		},
		"run-job": {
			name:        "run-job",
			description: "Execute a job's work in this process without touching its schedule",
			run:         runJobNow,
		},
		"target-summary": {
			name:        "target-summary",
			description: "Show the latest reconcile pass for a target",
			run:         runTargetSummary,
		},
		"target-listings": {
			name:        "target-listings",
			description: "List a target's listings, optionally filtered by --active",
			run:         runTargetListings,
		},
		"listing-history": {
			name:        "listing-history",
			description: "Show the price history of a listing",
			run:         runListingHistory,
		},
	}
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: listingsync-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writef(w, "  %-18s %s\n", name, cmds[name].description); err != nil {
			return err
		}
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}
