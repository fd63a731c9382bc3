package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/listingsync/config"
	"github.com/target/listingsync/internal/adapters/crawler"
	"github.com/target/listingsync/internal/adapters/geocode"
	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/data"
	"github.com/target/listingsync/internal/domain/reconcile"
	"github.com/target/listingsync/internal/observability/notify/pagerduty"
	"github.com/target/listingsync/internal/observability/notify/slack"
	"github.com/target/listingsync/internal/observability/statsd"
	"github.com/target/listingsync/internal/service"
	"github.com/target/listingsync/internal/service/failurenotifier"
)

// enrichJobBatch bounds how many flagged listings one enrich job geocodes.
const enrichJobBatch = 200

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs      *service.JobService
	Listings  *service.ListingService
	Reconcile *service.ReconcileService
	// Enrich is nil when geocoding is disabled.
	Enrich        *service.EnrichService
	Executor      *service.Executor
	JobRepo       *data.JobRepo
	Cache         *data.RedisCacheRepo
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     statsd.Sink
	FailureNotifier *failurenotifier.Service
	closer          func() error
}

// Close releases the metrics connection.
func (o ObservabilityContainer) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer()
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	// Crawler overrides the configured crawl adapter. Optional.
	Crawler core.Crawler
	// Geocoder overrides the configured geocoder. Optional.
	Geocoder core.Geocoder
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	out := ObservabilityContainer{
		MetricsSink:     statsd.Noop{},
		FailureNotifier: buildFailureNotifier(logger, cfg.Notifications),
	}
	if !cfg.Metrics.IsEnabled() {
		return out
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.Metrics.StatsdAddress,
		Prefix:  "listingsync",
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		return out
	}
	out.MetricsSink = client
	out.closer = client.Close
	return out
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	notifierLogger := logger.With("component", "failure_notifier")
	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{Logger: notifierLogger})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)
	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			logger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}
	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{Logger: notifierLogger, Sinks: sinks})
}

// NewServices wires repositories, adapters and services from deps.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil || deps.DB == nil {
		return ServiceContainer{}, errors.New("config and database are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	obs := buildObservability(logger, cfg.Observability)

	jobRepo := data.NewJobRepo(deps.DB, data.RepoConfig{
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
		DefaultPriority:   cfg.Scheduler.DefaultPriority,
		Logger:            logger,
	})
	listingRepo := data.NewListingRepo(deps.DB, logger)
	passRepo := data.NewPassRepo(deps.DB)

	var cache *data.RedisCacheRepo
	var cacheRepo core.CacheRepository
	if deps.RedisClient != nil {
		cache = data.NewRedisCacheRepo(deps.RedisClient, cfg.Redis.KeyPrefix)
		cacheRepo = cache
	}

	jobs, err := service.NewJobService(service.JobServiceOptions{Repo: jobRepo, Logger: logger})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("job service: %w", err)
	}
	listings, err := service.NewListingService(listingRepo)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("listing service: %w", err)
	}

	enricher, err := buildEnricher(deps, listingRepo, cacheRepo, obs.MetricsSink)
	if err != nil {
		return ServiceContainer{}, err
	}

	engine, err := reconcile.NewEngine(reconcile.EngineOptions{
		Store:         listingRepo,
		GracePasses:   cfg.Reconcile.GracePasses,
		TrackedFields: cfg.Reconcile.TrackedFields,
		Logger:        logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("reconcile engine: %w", err)
	}
	reconciler, err := service.NewReconcileService(service.ReconcileServiceOptions{
		Engine:     engine,
		Passes:     passRepo,
		Cache:      cacheRepo,
		SummaryTTL: cfg.Redis.SummaryTTL,
		Enricher:   enricher,
		Metrics:    obs.MetricsSink,
		Logger:     logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("reconcile service: %w", err)
	}

	crawl := deps.Crawler
	if crawl == nil {
		if crawl, err = crawler.New(cfg.Crawler, logger); err != nil {
			return ServiceContainer{}, fmt.Errorf("crawler: %w", err)
		}
	}
	executor, err := service.NewExecutor(service.ExecutorOptions{
		Crawler:     crawl,
		Reconciler:  reconciler,
		Enricher:    enricher,
		EnrichBatch: enrichJobBatch,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("executor: %w", err)
	}

	return ServiceContainer{
		Jobs:          jobs,
		Listings:      listings,
		Reconcile:     reconciler,
		Enrich:        enricher,
		Executor:      executor,
		JobRepo:       jobRepo,
		Cache:         cache,
		Observability: obs,
	}, nil
}

func buildEnricher(
	deps *ServiceDeps,
	listings core.ListingRepository,
	cache core.CacheRepository,
	metrics statsd.Sink,
) (*service.EnrichService, error) {
	cfg := deps.Config.Enrich
	geo := deps.Geocoder
	if geo == nil {
		if !cfg.Enabled {
			return nil, nil
		}
		client, err := geocode.New(geocode.Options{
			URL:       cfg.GeocoderURL,
			Timeout:   cfg.Timeout,
			UserAgent: deps.Config.Crawler.UserAgent,
		})
		if err != nil {
			return nil, fmt.Errorf("geocoder: %w", err)
		}
		geo = client
	}
	enricher, err := service.NewEnrichService(service.EnrichServiceOptions{
		Geocoder:    geo,
		Listings:    listings,
		Cache:       cache,
		CacheTTL:    cfg.CacheTTL,
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.Timeout,
		Metrics:     metrics,
		Logger:      deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("enrich service: %w", err)
	}
	return enricher, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func startHTTPServerIfEnabled(deps *serviceStartupDeps) (*http.Server, error) {
	if !deps.enabledServices[config.ServiceModeHTTP] {
		return nil, nil
	}
	return StartHTTPServer(deps.ctx, &HTTPServerConfig{
		Config:      deps.cfg.Config,
		Services:    deps.cfg.Services,
		DB:          deps.cfg.DB,
		RedisClient: deps.cfg.RedisClient,
		Logger:      deps.logger,
		ErrCh:       deps.errCh,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	handles := make([]backgroundServiceHandle, 0, len(services))
	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}
		handles = append(handles, backgroundServiceHandle{mode: svc.mode, name: svc.name, done: done})
	}
	return handles
}

func newSchedulerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeScheduler,
		name: "scheduler",
		start: func(ctx context.Context) error {
			return RunScheduler(ctx, SchedulerConfig{
				Services: deps.cfg.Services,
				Config:   deps.cfg.Config.Scheduler,
				Logger:   deps.logger,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			return RunReaper(ctx, ReaperConfig{
				Services:  deps.cfg.Services,
				Config:    deps.cfg.Config.Reaper,
				Scheduler: deps.cfg.Config.Scheduler,
				Logger:    deps.logger,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	return []backgroundService{
		newSchedulerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// It blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           make(chan error, errorChannelBufferSize(enabledServices)),
	}

	server, err := startHTTPServerIfEnabled(deps)
	if err != nil {
		return err
	}
	backgrounds := startBackgroundServices(deps, buildBackgroundServices(deps))

	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       deps.errCh,
		httpServer:  server,
		httpTimeout: cfg.Config.HTTP.ShutdownTimeout,
		logger:      logger,
		backgrounds: backgrounds,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	signals     <-chan os.Signal
	httpServer  *http.Server
	httpTimeout time.Duration
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for a shutdown signal or a service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := cfg.signals
	if quit == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		quit = ch
	}

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop stops the HTTP server, then waits for background services.
// The scheduler runner interrupts its live runs itself once its context ends.
func gracefulStop(cfg shutdownConfig) error {
	var httpErr error
	if cfg.httpServer != nil {
		httpErr = ShutdownHTTPServer(ShutdownConfig{
			Server:  cfg.httpServer,
			Timeout: cfg.httpTimeout,
			Logger:  cfg.logger,
		})
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
	return httpErr
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
