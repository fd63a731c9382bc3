package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/domain/scheduler"
)

func TestNextRun(t *testing.T) {
	t.Run("interval", func(t *testing.T) {
		next, err := scheduler.NextRun(model.Schedule{Type: model.ScheduleInterval, IntervalSeconds: 90}, now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(90*time.Second), next)
	})

	t.Run("cron", func(t *testing.T) {
		next, err := scheduler.NextRun(model.Schedule{Type: model.ScheduleCron, CronExpr: "30 3 * * *"}, now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC), next)
	})

	t.Run("descriptor", func(t *testing.T) {
		next, err := scheduler.NextRun(model.Schedule{Type: model.ScheduleCron, CronExpr: "@hourly"}, now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(time.Hour), next)
	})

	t.Run("once is not recurring", func(t *testing.T) {
		_, err := scheduler.NextRun(model.Schedule{Type: model.ScheduleOnce}, now)
		assert.ErrorIs(t, err, scheduler.ErrNotRecurring)
	})
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, scheduler.ValidateSchedule(model.Schedule{Type: model.ScheduleCron, CronExpr: "*/15 * * * *"}))
	assert.Error(t, scheduler.ValidateSchedule(model.Schedule{Type: model.ScheduleCron, CronExpr: "every tuesday"}))
	assert.Error(t, scheduler.ValidateSchedule(model.Schedule{Type: model.ScheduleInterval}))
}
