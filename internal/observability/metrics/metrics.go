// Package metrics emits the listingsync metric families through a statsd.Sink.
package metrics

import (
	"time"

	"github.com/target/listingsync/internal/domain/model"
	obserrors "github.com/target/listingsync/internal/observability/errors"
	"github.com/target/listingsync/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures one job lifecycle transition.
type JobMetric struct {
	JobType  string
	Status   string
	Reason   string
	Duration time.Duration
	Err      error
}

// EmitJobTransition counts a finished run and records its duration.
func EmitJobTransition(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"job_type": in.JobType,
		"status":   in.Status,
		"reason":   in.Reason,
	}
	if in.Err != nil {
		tags["error_class"] = obserrors.Classify(in.Err)
	}
	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// TickMetric captures one scheduler tick.
type TickMetric struct {
	Admitted int
	Deferred int
	Eligible int
	Running  int
	Orphans  int
	Duration time.Duration
	Err      error
}

// EmitSchedulerTick records admission counts, the running gauge and tick latency.
func EmitSchedulerTick(sink statsd.Sink, in TickMetric) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if in.Err != nil {
		result = ResultError
	} else if in.Admitted == 0 && in.Orphans == 0 {
		result = ResultNoop
	}
	tags := map[string]string{"result": result}
	sink.Count("scheduler.admitted", int64(in.Admitted), nil)
	sink.Count("scheduler.deferred", int64(in.Deferred), nil)
	sink.Count("scheduler.orphans", int64(in.Orphans), nil)
	sink.Gauge("scheduler.eligible", float64(in.Eligible), nil)
	sink.Gauge("scheduler.running", float64(in.Running), nil)
	sink.Timing("scheduler.tick", in.Duration, tags)
}

// EmitReconcile counts each summary field for a target.
func EmitReconcile(sink statsd.Sink, s model.ReconcileSummary, d time.Duration) {
	if sink == nil {
		return
	}
	tags := map[string]string{"target_id": s.TargetID}
	counts := map[string]int{
		"new":                  s.New,
		"unchanged":            s.Unchanged,
		"updated_with_history": s.UpdatedWithHistory,
		"reactivated":          s.Reactivated,
		"newly_inactive":       s.NewlyInactive,
		"miss_incremented":     s.MissIncremented,
		"rejected":             s.Rejected,
		"history_rows":         s.HistoryRows,
	}
	for field, n := range counts {
		sink.Count("reconcile."+field, int64(n), CloneTags(tags))
	}
	if s.QualityWarning {
		sink.Count("reconcile.quality_warning", 1, CloneTags(tags))
	}
	sink.Timing("reconcile.duration", d, tags)
}

// EmitReaperSweep records a reaper run.
func EmitReaperSweep(sink statsd.Sink, reclaimed int, acquired bool, d time.Duration) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if !acquired {
		result = ResultNoop
	}
	sink.Count("reaper.reclaimed", int64(reclaimed), nil)
	sink.Timing("reaper.sweep", d, map[string]string{"result": result})
}

// EmitEnrichment counts geocoding outcomes.
func EmitEnrichment(sink statsd.Sink, result string, cached bool) {
	if sink == nil {
		return
	}
	cache := "miss"
	if cached {
		cache = "hit"
	}
	sink.Count("enrich.geocode", 1, map[string]string{"result": result, "cache": cache})
}

// CloneTags copies a tag map, dropping empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k != "" {
			out[k] = v
		}
	}
	return out
}
