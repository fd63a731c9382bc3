package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/target/listingsync/internal/bootstrap"
	"github.com/target/listingsync/internal/domain/model"
)

const defaultListLimit = 50

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// parseWithID accepts the id either before or after the flags.
func parseWithID(fs *flag.FlagSet, args []string, what string) (string, error) {
	var id string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		id, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if id == "" {
		id = fs.Arg(0)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%s is required", what)
	}
	return id, nil
}

type migrateOptions struct {
	Timeout time.Duration
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := newFlagSet("migrate")
	opts := migrateOptions{Timeout: defaultMigrationTimeout}
	fs.DurationVar(&opts.Timeout, "timeout", defaultMigrationTimeout, "Maximum duration to wait for migrations to complete")
	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}
	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}
	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("running database migrations")
		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return fmt.Errorf("run migrations: %w", migrateErr)
		}
		cmdCtx.Logger.Info("migrations completed successfully")
		return nil
	})
}

type jobsListOptions struct {
	Status   *model.JobStatus
	TargetID string
	Limit    int
	Offset   int
	JSON     bool
}

func parseJobsListFlags(args []string) (jobsListOptions, error) {
	fs := newFlagSet("jobs-list")
	var opts jobsListOptions
	var status string
	fs.StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	fs.StringVar(&opts.TargetID, "target", "", "Filter by target id")
	fs.IntVar(&opts.Limit, "limit", defaultListLimit, "Maximum number of jobs to print")
	fs.IntVar(&opts.Offset, "offset", 0, "Number of jobs to skip")
	fs.BoolVar(&opts.JSON, "json", false, "Print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return jobsListOptions{}, err
	}
	if status != "" {
		var st model.JobStatus
		if err := st.UnmarshalText([]byte(status)); err != nil {
			return jobsListOptions{}, fmt.Errorf("--status: %w", err)
		}
		opts.Status = &st
	}
	if opts.Limit <= 0 || opts.Offset < 0 {
		return jobsListOptions{}, errors.New("--limit must be positive and --offset non-negative")
	}
	return opts, nil
}

func runJobsList(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobsListFlags(args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		jobs, listErr := svcs.Jobs.List(ctx, model.JobListOptions{
			Status:   opts.Status,
			TargetID: opts.TargetID,
			Limit:    opts.Limit,
			Offset:   opts.Offset,
		})
		if listErr != nil {
			return fmt.Errorf("list jobs: %w", listErr)
		}
		if opts.JSON {
			if jobs == nil {
				jobs = []*model.Job{}
			}
			return printJSON(cmdCtx.Out, jobs)
		}
		return renderJobs(cmdCtx.Out, jobs)
	})
}

func renderJobs(w io.Writer, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return writeln(w, "no jobs found")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writef(tw, "ID\tTYPE\tTARGET\tSTATUS\tRETRIES\tNEXT RUN\tLAST ERROR\n"); err != nil {
		return err
	}
	for _, j := range jobs {
		lastErr := ""
		if j.LastError != nil {
			lastErr = truncate(*j.LastError, 60)
		}
		if err := writef(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.Type, j.TargetID, j.Status, j.RetryCount, j.MaxRetries,
			formatTime(j.NextRunAt), lastErr); err != nil {
			return err
		}
	}
	return tw.Flush()
}

type jobsCreateOptions struct {
	Request model.CreateJobRequest
}

func parseJobsCreateFlags(args []string) (jobsCreateOptions, error) {
	fs := newFlagSet("jobs-create")
	var (
		jobType    string
		target     string
		schedule   string
		interval   time.Duration
		cronExpr   string
		params     string
		priority   int
		maxRetries int
	)
	fs.StringVar(&jobType, "type", string(model.JobTypeCrawl), "Job type (crawl, enrich)")
	fs.StringVar(&target, "target", "", "Target id the job crawls")
	fs.StringVar(&schedule, "schedule", string(model.ScheduleOnce), "Schedule type (once, interval, cron)")
	fs.DurationVar(&interval, "interval", 0, "Interval between runs for --schedule=interval")
	fs.StringVar(&cronExpr, "cron", "", "Cron expression for --schedule=cron")
	fs.StringVar(&params, "params", "", "JSON object passed to the crawler")
	fs.IntVar(&priority, "priority", -1, "Priority (higher runs first); server default when negative")
	fs.IntVar(&maxRetries, "max-retries", -1, "Retry budget; server default when negative")
	if err := fs.Parse(args); err != nil {
		return jobsCreateOptions{}, err
	}

	var req model.CreateJobRequest
	if err := req.Type.UnmarshalText([]byte(jobType)); err != nil {
		return jobsCreateOptions{}, fmt.Errorf("--type: %w", err)
	}
	if err := req.Schedule.Type.UnmarshalText([]byte(schedule)); err != nil {
		return jobsCreateOptions{}, fmt.Errorf("--schedule: %w", err)
	}
	req.TargetID = strings.TrimSpace(target)
	req.Schedule.IntervalSeconds = int(interval / time.Second)
	req.Schedule.CronExpr = strings.TrimSpace(cronExpr)
	if params != "" {
		if !json.Valid([]byte(params)) {
			return jobsCreateOptions{}, errors.New("--params must be valid JSON")
		}
		req.Params = json.RawMessage(params)
	}
	if priority >= 0 {
		req.Priority = &priority
	}
	if maxRetries >= 0 {
		req.MaxRetries = &maxRetries
	}
	return jobsCreateOptions{Request: req}, nil
}

func runJobsCreate(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobsCreateFlags(args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		job, createErr := svcs.Jobs.Create(ctx, &opts.Request)
		if createErr != nil {
			return fmt.Errorf("create job: %w", createErr)
		}
		return printJSON(cmdCtx.Out, job)
	})
}

func runJobsGet(cmdCtx *commandContext, args []string) error {
	id, err := parseWithID(newFlagSet("jobs-get"), args, "job id")
	if err != nil {
		return err
	}
	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		job, getErr := svcs.Jobs.Get(ctx, id)
		if getErr != nil {
			return fmt.Errorf("get job %s: %w", id, getErr)
		}
		return printJSON(cmdCtx.Out, job)
	})
}

func runJobsCancel(cmdCtx *commandContext, args []string) error {
	id, err := parseWithID(newFlagSet("jobs-cancel"), args, "job id")
	if err != nil {
		return err
	}
	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		job, cancelErr := svcs.Jobs.Cancel(ctx, id)
		if cancelErr != nil {
			return fmt.Errorf("cancel job %s: %w", id, cancelErr)
		}
		if job.Status == model.JobStatusRunning {
			return writef(cmdCtx.Out, "job %s is running; cancellation requested\n", job.ID)
		}
		return writef(cmdCtx.Out, "job %s %s\n", job.ID, job.Status)
	})
}

func runJobsRequeue(cmdCtx *commandContext, args []string) error {
	id, err := parseWithID(newFlagSet("jobs-requeue"), args, "job id")
	if err != nil {
		return err
	}
	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		job, requeueErr := svcs.Jobs.Requeue(ctx, id)
		if requeueErr != nil {
			return fmt.Errorf("requeue job %s: %w", id, requeueErr)
		}
		return writef(cmdCtx.Out, "job %s %s, next run %s\n", job.ID, job.Status, formatTime(job.NextRunAt))
	})
}

func runJobsStats(cmdCtx *commandContext, _ []string) error {
	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		stats, statsErr := svcs.Jobs.Stats(ctx)
		if statsErr != nil {
			return fmt.Errorf("job stats: %w", statsErr)
		}
		tw := tabwriter.NewWriter(cmdCtx.Out, 0, 0, 2, ' ', 0)
		rows := []struct {
			status model.JobStatus
			count  int
		}{
			{model.JobStatusPending, stats.Pending},
			{model.JobStatusRunning, stats.Running},
			{model.JobStatusCompleted, stats.Completed},
			{model.JobStatusFailed, stats.Failed},
			{model.JobStatusCancelled, stats.Cancelled},
		}
		for _, row := range rows {
			if err := writef(tw, "%s\t%d\n", row.status, row.count); err != nil {
				return err
			}
		}
		return tw.Flush()
	})
}

func runJobNow(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("run-job")
	timeout := fs.Duration("timeout", defaultRunJobTimeout, "Maximum duration for the crawl and reconcile")
	id, err := parseWithID(fs, args, "job id")
	if err != nil {
		return err
	}
	if *timeout <= 0 {
		return errors.New("--timeout must be greater than zero")
	}
	return withServices(cmdCtx, *timeout, func(ctx context.Context, svcs *adminServices) error {
		job, getErr := svcs.Jobs.Get(ctx, id)
		if getErr != nil {
			return fmt.Errorf("get job %s: %w", id, getErr)
		}
		cmdCtx.Logger.Info("executing job out of band", "job_id", job.ID, "job_type", job.Type, "target_id", job.TargetID)
		summary, execErr := svcs.Executor.Execute(ctx, job)
		if summary != nil {
			if err := printJSON(cmdCtx.Out, summary); err != nil {
				return err
			}
		}
		if execErr != nil {
			return fmt.Errorf("execute job %s: %w", id, execErr)
		}
		return nil
	})
}

func runTargetSummary(cmdCtx *commandContext, args []string) error {
	id, err := parseWithID(newFlagSet("target-summary"), args, "target id")
	if err != nil {
		return err
	}
	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		pass, passErr := svcs.Passes.LatestPass(ctx, id)
		if passErr != nil {
			return fmt.Errorf("latest pass for %s: %w", id, passErr)
		}
		return printJSON(cmdCtx.Out, pass)
	})
}

type targetListingsOptions struct {
	TargetID string
	Active   *bool
	Limit    int
	Offset   int
}

func parseTargetListingsFlags(args []string) (targetListingsOptions, error) {
	fs := newFlagSet("target-listings")
	var opts targetListingsOptions
	var active string
	fs.StringVar(&active, "active", "", "Filter by activity (true or false)")
	fs.IntVar(&opts.Limit, "limit", defaultListLimit, "Maximum number of listings to print")
	fs.IntVar(&opts.Offset, "offset", 0, "Number of listings to skip")
	id, err := parseWithID(fs, args, "target id")
	if err != nil {
		return targetListingsOptions{}, err
	}
	opts.TargetID = id
	if active != "" {
		b, parseErr := strconv.ParseBool(active)
		if parseErr != nil {
			return targetListingsOptions{}, fmt.Errorf("--active: %w", parseErr)
		}
		opts.Active = &b
	}
	if opts.Limit <= 0 || opts.Offset < 0 {
		return targetListingsOptions{}, errors.New("--limit must be positive and --offset non-negative")
	}
	return opts, nil
}

func runTargetListings(cmdCtx *commandContext, args []string) error {
	opts, err := parseTargetListingsFlags(args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		listings, listErr := svcs.Listings.ListByTarget(ctx, model.ListingListOptions{
			TargetID: opts.TargetID,
			Active:   opts.Active,
			Limit:    opts.Limit,
			Offset:   opts.Offset,
		})
		if listErr != nil {
			return fmt.Errorf("list listings for %s: %w", opts.TargetID, listErr)
		}
		return renderListings(cmdCtx.Out, listings)
	})
}

func renderListings(w io.Writer, listings []*model.Listing) error {
	if len(listings) == 0 {
		return writeln(w, "no listings found")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writef(tw, "LISTING\tACTIVE\tPRICE\tRENT\tMISSES\tLAST SEEN\tADDRESS\n"); err != nil {
		return err
	}
	for _, l := range listings {
		if err := writef(tw, "%s\t%t\t%s\t%s\t%d\t%s\t%s\n",
			l.ListingID, l.IsActive, formatAmount(l.Price), formatAmount(l.Rent),
			l.MissStreak, formatTime(l.LastSeenDate), truncate(l.Address, 40)); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func runListingHistory(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("listing-history")
	limit := fs.Int("limit", defaultListLimit, "Maximum number of history rows")
	id, err := parseWithID(fs, args, "listing id")
	if err != nil {
		return err
	}
	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svcs *adminServices) error {
		rows, histErr := svcs.Listings.History(ctx, id, *limit)
		if histErr != nil {
			return fmt.Errorf("history for %s: %w", id, histErr)
		}
		return renderHistory(cmdCtx.Out, rows)
	})
}

func renderHistory(w io.Writer, rows []model.PriceHistory) error {
	if len(rows) == 0 {
		return writeln(w, "no price history")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writef(tw, "CHANGED AT\tFIELD\tFROM\tTO\tCHANGE\n"); err != nil {
		return err
	}
	for _, h := range rows {
		change := "-"
		if h.ChangePercent != nil {
			change = fmt.Sprintf("%+.2f%%", *h.ChangePercent)
		}
		if err := writef(tw, "%s\t%s\t%s\t%s\t%s\n",
			formatTime(h.ChangedAt), h.FieldName, deref(h.PreviousValue), deref(h.NewValue), change); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatAmount(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
