package facts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, cfg SchedulerConfig) (*Scheduler, *Store) {
	t.Helper()
	store := newTestStore(t)
	c := NewConsolidator(store, nil, PruneOptions{})
	h := NewHealthMonitor(store, DefaultThresholds(), true)
	s := NewScheduler(c, h, cfg)
	t.Cleanup(s.Stop)
	return s, store
}

func TestSchedulerStartAndStatus(t *testing.T) {
	s, _ := newTestScheduler(t, SchedulerConfig{
		DailyEnabled:       true,
		WeeklyEnabled:      true,
		HealthCheckEnabled: true,
	})
	require.NoError(t, s.Start())

	status := s.Status()
	require.Len(t, status, 3)
	byName := make(map[string]JobStatus, len(status))
	for _, js := range status {
		byName[js.Name] = js
	}

	daily := byName["daily-consolidation"]
	assert.Equal(t, "55 23 * * *", daily.Spec)
	require.NotNil(t, daily.NextRun)
	assert.True(t, daily.NextRun.After(time.Now()))

	assert.Equal(t, "0 3 * * 0", byName["weekly-consolidation"].Spec)
	assert.Equal(t, "0 6 * * *", byName["health-check"].Spec)
}

func TestSchedulerDisabledJobsHaveNoNextRun(t *testing.T) {
	s, _ := newTestScheduler(t, SchedulerConfig{DailyEnabled: true})
	require.NoError(t, s.Start())

	for _, js := range s.Status() {
		if js.Name == "daily-consolidation" {
			assert.NotNil(t, js.NextRun)
		} else {
			assert.Nil(t, js.NextRun)
		}
	}
}

func TestSchedulerRejectsBadConfig(t *testing.T) {
	t.Run("bad cron", func(t *testing.T) {
		s, _ := newTestScheduler(t, SchedulerConfig{DailyEnabled: true, DailyCron: "not a cron"})
		require.Error(t, s.Start())
	})

	t.Run("bad timezone", func(t *testing.T) {
		s, _ := newTestScheduler(t, SchedulerConfig{DailyEnabled: true, Timezone: "Mars/Olympus"})
		require.Error(t, s.Start())
	})
}

func TestSchedulerRestartAndStop(t *testing.T) {
	s, _ := newTestScheduler(t, SchedulerConfig{DailyEnabled: true})
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	s.Stop()
	for _, js := range s.Status() {
		assert.Nil(t, js.NextRun)
	}
	s.Stop()
}

func TestTriggerConsolidationNow(t *testing.T) {
	s, store := newTestScheduler(t, SchedulerConfig{})
	addMemory(t, store, Memory{Type: TypeFact, Content: "today's note", Importance: 0.5})

	require.NoError(t, s.TriggerConsolidationNow(context.Background()))

	ds, err := store.GetDailySummary(time.Now().Format("2006-01-02"))
	require.NoError(t, err)
	assert.NotNil(t, ds)
}

func TestTriggerHealthCheckNow(t *testing.T) {
	s, _ := newTestScheduler(t, SchedulerConfig{})
	require.NoError(t, s.TriggerHealthCheckNow())
}
