package scheduler

import (
	"sort"
	"time"

	"github.com/target/listingsync/internal/domain/model"
)

// DeferReason explains why an eligible job was not admitted this tick.
type DeferReason string

const (
	// DeferCapacity means running capacity was exhausted.
	DeferCapacity DeferReason = "capacity"
	// DeferTargetBusy means another job for the same target is running or was just admitted.
	DeferTargetBusy DeferReason = "target_busy"
)

// AdmissionInput is a point-in-time view of the store used to plan one tick.
type AdmissionInput struct {
	Now time.Time
	// Candidates are pending jobs; ineligible ones are filtered out by Plan.
	Candidates []*model.Job
	// RunningCount is the number of jobs persisted as running.
	RunningCount int
	// RunningTargets holds the target ids of running jobs.
	RunningTargets map[string]struct{}
	MaxConcurrent  int
}

// Deferred records an eligible job that was not admitted.
type Deferred struct {
	Job    *model.Job
	Reason DeferReason
}

// AdmissionPlan is the outcome of Plan.
type AdmissionPlan struct {
	Admit    []*model.Job
	Deferred []Deferred
	// Eligible is the number of candidates due at Now.
	Eligible int
}

// Eligible reports whether a job may be admitted at now.
func Eligible(j *model.Job, now time.Time) bool {
	return j != nil &&
		j.Status == model.JobStatusPending &&
		!j.CancelRequested &&
		!j.NextRunAt.After(now)
}

// SortEligible orders jobs by priority (lower first), then next_run_at, then id.
func SortEligible(jobs []*model.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		ja, jb := jobs[a], jobs[b]
		if ja.Priority != jb.Priority {
			return ja.Priority < jb.Priority
		}
		if !ja.NextRunAt.Equal(jb.NextRunAt) {
			return ja.NextRunAt.Before(jb.NextRunAt)
		}
		return ja.ID < jb.ID
	})
}

// Plan selects the jobs to admit so that running never exceeds MaxConcurrent and
// no two jobs for the same target run at once.
func Plan(in AdmissionInput) AdmissionPlan {
	eligible := make([]*model.Job, 0, len(in.Candidates))
	for _, j := range in.Candidates {
		if Eligible(j, in.Now) {
			eligible = append(eligible, j)
		}
	}
	SortEligible(eligible)

	plan := AdmissionPlan{Eligible: len(eligible)}
	busy := make(map[string]struct{}, len(in.RunningTargets)+len(eligible))
	for t := range in.RunningTargets {
		busy[t] = struct{}{}
	}

	free := in.MaxConcurrent - in.RunningCount
	for _, j := range eligible {
		if free <= 0 {
			plan.Deferred = append(plan.Deferred, Deferred{Job: j, Reason: DeferCapacity})
			continue
		}
		if _, ok := busy[j.TargetID]; ok {
			plan.Deferred = append(plan.Deferred, Deferred{Job: j, Reason: DeferTargetBusy})
			continue
		}
		busy[j.TargetID] = struct{}{}
		plan.Admit = append(plan.Admit, j)
		free--
	}
	return plan
}
