package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the admin HTTP API.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeScheduler runs the job scheduler and its crawl workers.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper runs the overrun/orphan sweep.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeHTTP, ServiceModeScheduler, ServiceModeReaper}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeScheduler, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, scheduler, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SchedulerConfig contains scheduler service configuration.
type SchedulerConfig struct {
	// Interval is the scheduler tick interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1s"`

	// MaxConcurrent caps the number of jobs in running status across all schedulers.
	MaxConcurrent int `env:"SCHEDULER_MAX_CONCURRENT" envDefault:"4"`

	// BatchSize is the maximum number of eligible jobs considered per tick.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"100"`

	// DefaultMaxRetries applies to jobs created without an explicit retry budget.
	DefaultMaxRetries int `env:"SCHEDULER_MAX_RETRIES" envDefault:"3"`

	// DefaultPriority applies to jobs created without an explicit priority. Lower is more urgent.
	DefaultPriority int `env:"SCHEDULER_DEFAULT_PRIORITY" envDefault:"100"`

	// BackoffBase and BackoffMax bound the exponential retry delay.
	BackoffBase time.Duration `env:"SCHEDULER_BACKOFF_BASE" envDefault:"30s"`
	BackoffMax  time.Duration `env:"SCHEDULER_BACKOFF_MAX"  envDefault:"30m"`

	// MaxRuntime is how long a job may stay running before the orphan sweep reclaims it.
	MaxRuntime time.Duration `env:"SCHEDULER_MAX_RUNTIME" envDefault:"30m"`

	// HeartbeatStaleAfter marks a running job orphaned when its owner stopped heartbeating.
	HeartbeatStaleAfter time.Duration `env:"SCHEDULER_HEARTBEAT_STALE_AFTER" envDefault:"2m"`

	// OwnerID identifies this scheduler process on running rows. It must be stable
	// across restarts so startup recovery finds the rows the previous process left.
	// Empty means the host name.
	OwnerID string `env:"SCHEDULER_OWNER_ID"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	s.OwnerID = strings.TrimSpace(s.OwnerID)
	if s.Interval < 100*time.Millisecond {
		s.Interval = 100 * time.Millisecond
	}
	if s.MaxConcurrent < 1 {
		s.MaxConcurrent = 1
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.DefaultMaxRetries < 0 {
		s.DefaultMaxRetries = 0
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = 30 * time.Second
	}
	if s.BackoffMax < s.BackoffBase {
		s.BackoffMax = s.BackoffBase
	}
	if s.MaxRuntime < time.Minute {
		s.MaxRuntime = time.Minute
	}
	// Heartbeats are written once per tick, so staleness must span several ticks.
	if minStale := 5 * s.Interval; s.HeartbeatStaleAfter < minStale {
		s.HeartbeatStaleAfter = minStale
	}
}

// ReconcileConfig contains reconciliation policy configuration.
type ReconcileConfig struct {
	// GracePasses is the number of consecutive complete crawl passes a listing may be
	// absent before it is soft-deleted.
	GracePasses int `env:"RECONCILE_GRACE_PASSES" envDefault:"3"`

	// TrackedFields lists the listing fields whose changes produce history rows.
	TrackedFields []string `env:"RECONCILE_TRACKED_FIELDS" envDefault:"price,rent,trade_type,area,floor,tags"`
}

// Sanitize applies guardrails to reconcile configuration values.
func (r *ReconcileConfig) Sanitize() {
	if r.GracePasses < 1 {
		r.GracePasses = 1
	}
	fields := r.TrackedFields[:0]
	for _, f := range r.TrackedFields {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	r.TrackedFields = fields
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// BatchSize is the maximum number of rows to process per sweep.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 10*time.Second {
		r.Interval = 10 * time.Second
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
