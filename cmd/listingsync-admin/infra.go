package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/listingsync/internal/bootstrap"
	httpx "github.com/target/listingsync/internal/http"
	"github.com/target/listingsync/internal/service"
)

// adminServices is the slice of the service container the CLI drives.
type adminServices struct {
	Jobs     httpx.JobAdmin
	Passes   httpx.PassReader
	Listings httpx.ListingReader
	Executor service.JobExecutor

	close func() error
}

// Close releases the connections behind the services.
func (s *adminServices) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// openServices connects Postgres and, when enabled, Redis and builds the
// same services the HTTP admin API uses.
func openServices(ctx context.Context, cmdCtx *commandContext) (*adminServices, error) {
	infra := bootstrap.DatabaseConfig{
		DBConfig:    cmdCtx.Config.Postgres,
		RedisConfig: cmdCtx.Config.Redis,
		Logger:      cmdCtx.Logger,
	}
	db, err := bootstrap.ConnectDB(ctx, infra)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	redisClient, err := bootstrap.ConnectRedis(ctx, infra)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("connect redis: %w", err), closeInfra(db, nil))
	}

	svcs, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cmdCtx.Config,
		DB:          db,
		RedisClient: redisClient,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("build services: %w", err), closeInfra(db, redisClient))
	}

	return &adminServices{
		Jobs:     svcs.Jobs,
		Passes:   svcs.Reconcile,
		Listings: svcs.Listings,
		Executor: svcs.Executor,
		close: func() error {
			return errors.Join(svcs.Observability.Close(), closeInfra(db, redisClient))
		},
	}, nil
}

// withServices opens the services under a signal-aware timeout and closes them afterwards.
func withServices(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, *adminServices) error,
) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	open := cmdCtx.open
	if open == nil {
		open = openServices
	}
	svcs, err := open(ctx, cmdCtx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svcs.Close(); cerr != nil {
			cmdCtx.Logger.Warn("close services failed", "error", cerr)
		}
	}()

	return f(ctx, svcs)
}

// withDatabase runs f against a bare database connection.
func withDatabase(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, *sql.DB) error,
) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(ctx, bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	return f(ctx, db)
}

func closeInfra(db *sql.DB, redisClient redis.UniversalClient) error {
	var closeErr error
	if db != nil {
		if err := db.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	return closeErr
}
