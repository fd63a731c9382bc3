// Package scheduler holds the pure scheduling rules: when a job runs next and
// which pending jobs a tick may admit.
package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/target/listingsync/internal/domain/model"
)

// ErrNotRecurring is returned by NextRun for schedules that do not repeat.
var ErrNotRecurring = errors.New("schedule is not recurring")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a standard five-field cron expression or a descriptor such as "@hourly".
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched, nil
}

// ValidateSchedule checks the schedule shape and, for cron schedules, the expression itself.
func ValidateSchedule(s model.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Type == model.ScheduleCron {
		if _, err := ParseCron(s.CronExpr); err != nil {
			return err
		}
	}
	return nil
}

// NextRun returns the next fire time strictly after from.
func NextRun(s model.Schedule, from time.Time) (time.Time, error) {
	switch s.Type {
	case model.ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return time.Time{}, errors.New("interval_seconds must be > 0")
		}
		return from.Add(time.Duration(s.IntervalSeconds) * time.Second), nil
	case model.ScheduleCron:
		sched, err := ParseCron(s.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		next := sched.Next(from)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron %q has no future fire time", s.CronExpr)
		}
		return next, nil
	default:
		return time.Time{}, ErrNotRecurring
	}
}
