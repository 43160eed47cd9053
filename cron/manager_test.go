package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-reliability/config"
	"github.com/saiset-co/sai-reliability/logger"
	"github.com/saiset-co/sai-reliability/types"
)

func newTestManager(t *testing.T, jobTimeout time.Duration) *Manager {
	t.Helper()

	cm, err := config.NewStaticManager(context.Background(), &types.ServiceConfig{
		Name:    "cron-test",
		Version: "1.0.0",
		Cron:    &types.CronConfig{Enabled: true, Timezone: "UTC", JobTimeout: jobTimeout},
	})
	require.NoError(t, err)

	manager, err := NewManager(context.Background(), cm, logger.NewNop(), nil)
	require.NoError(t, err)

	return manager
}

func TestManager_AddValidation(t *testing.T) {
	manager := newTestManager(t, time.Second)

	assert.ErrorIs(t, manager.Add("", "@every 1s", func() {}), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, manager.Add("job", "", func() {}), types.ErrCronExpressionInvalid)
	assert.ErrorIs(t, manager.Add("job", "@every 1s", nil), types.ErrCronJobIsNil)
	assert.ErrorIs(t, manager.Add("job", "not a spec", func() {}), types.ErrCronExpressionInvalid)

	require.NoError(t, manager.Add("job", EverySpec(time.Minute), func() {}))
	assert.ErrorIs(t, manager.Add("job", EverySpec(time.Minute), func() {}), types.ErrCronJobExists)
}

func TestManager_TriggerTracksStats(t *testing.T) {
	manager := newTestManager(t, time.Second)

	var runs int32
	require.NoError(t, manager.Add("sweep", EverySpec(time.Hour), func() {
		atomic.AddInt32(&runs, 1)
	}))
	require.NoError(t, manager.Add("broken", EverySpec(time.Hour), func() {
		panic("boom")
	}))

	require.NoError(t, manager.Trigger("sweep"))
	require.NoError(t, manager.Trigger("sweep"))
	require.NoError(t, manager.Trigger("broken"))
	assert.ErrorIs(t, manager.Trigger("missing"), types.ErrCronJobNotFound)

	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))

	jobs := manager.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "broken", jobs[0].Name)
	assert.ErrorIs(t, jobs[0].Error, types.ErrCronJobFailed)
	assert.Equal(t, "sweep", jobs[1].Name)
	assert.Equal(t, int64(2), jobs[1].RunCount)
	assert.NoError(t, jobs[1].Error)
}

func TestManager_JobTimeout(t *testing.T) {
	manager := newTestManager(t, 20*time.Millisecond)

	release := make(chan struct{})
	defer close(release)

	require.NoError(t, manager.Add("slow", EverySpec(time.Hour), func() {
		<-release
	}))
	require.NoError(t, manager.Trigger("slow"))

	jobs := manager.Jobs()
	require.Len(t, jobs, 1)
	assert.ErrorIs(t, jobs[0].Error, types.ErrCronJobTimeout)
}

func TestManager_ScheduleAndRemove(t *testing.T) {
	manager := newTestManager(t, time.Second)

	var runs int32
	require.NoError(t, manager.Add("tick", "@every 1s", func() {
		atomic.AddInt32(&runs, 1)
	}))

	require.NoError(t, manager.Start())
	assert.True(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Start(), types.ErrCronIsRunning)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, manager.Remove("tick"))
	assert.ErrorIs(t, manager.Remove("tick"), types.ErrCronJobNotFound)
	assert.Empty(t, manager.Jobs())

	require.NoError(t, manager.Stop())
	assert.False(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Add("late", "@every 1s", func() {}), types.ErrCronSchedulerStopped)
}
