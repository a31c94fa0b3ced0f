package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"trafficmon/internal/storage/rediskv"
)

func TestNewRequiresSource(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestRunFastCheckRejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, fastSettings(5))
	env.src.entered = make(chan struct{})
	env.src.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := env.mon.RunFastCheck(ctx)
		done <- err
	}()
	<-env.src.entered

	_, err := env.mon.RunFastCheck(ctx)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.ErrorIs(t, env.mon.Bootstrap(ctx), ErrAlreadyRunning)
	require.True(t, env.mon.Status(ctx).FastRunning)

	close(env.src.release)
	require.NoError(t, <-done)
	require.False(t, env.mon.Status(ctx).FastRunning)
	require.True(t, env.mon.HasSnapshot(ctx))
}

func TestRunFastCheckDisabled(t *testing.T) {
	env := newTestEnv(t, Settings{DailyEnabled: true}, AccountUsage{AccountID: "u1"})
	violations, err := env.mon.RunFastCheck(context.Background())
	require.NoError(t, err)
	require.Nil(t, violations)
	require.NoError(t, env.mon.Bootstrap(context.Background()))
	require.False(t, env.mon.HasSnapshot(context.Background()))
}

func TestBootstrapReusesExistingSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, fastSettings(5), AccountUsage{AccountID: "u1", UsedBytes: 1})
	require.NoError(t, env.mon.Bootstrap(ctx))
	require.Equal(t, 1, env.src.listCalls)

	env.src.setUsage(map[string]uint64{"u1": 10 * gb})
	require.NoError(t, env.mon.Bootstrap(ctx))
	require.Equal(t, 1, env.src.listCalls, "existing snapshot is reused")
	require.Equal(t, uint64(1), env.mon.snapshots.Load(ctx)["u1"])
}

func TestMonitorStartBootstrapsThenRunsFastLoop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	env := newTestEnv(t, fastSettings(5), AccountUsage{AccountID: "u1", UsedBytes: 10 * gb})
	trap := env.clock.Trap().NewTimer("scheduler", "traffic_fast")
	defer trap.Close()

	require.NoError(t, env.mon.Start(ctx))
	require.ErrorIs(t, env.mon.Start(ctx), errAlreadyStarted)

	call := trap.MustWait(ctx)
	require.Equal(t, 10*time.Minute, call.Duration)
	require.True(t, env.mon.HasSnapshot(ctx), "baseline exists before the first wait")
	call.MustRelease(ctx)

	env.src.setUsage(map[string]uint64{"u1": 20 * gb})
	env.clock.Advance(10 * time.Minute).MustWait(ctx)

	// следующий таймер ставится после завершения проверки
	trap.MustWait(ctx).MustRelease(ctx)
	require.Equal(t, 1, env.sink.count())
	require.True(t, env.mon.Status(ctx).Started)

	env.mon.Stop()
	require.False(t, env.mon.Status(ctx).Started)
	env.mon.Stop()
}

func TestMonitorStartRunsDailyLoop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st := dailySettings(50, 2)
	st.DailyLocation = time.UTC
	env := newTestEnv(t, st, AccountUsage{AccountID: "u1"})
	env.src.daily = map[string]uint64{"u1": 80 * gb}
	trap := env.clock.Trap().NewTimer("scheduler", "traffic_daily")
	defer trap.Close()

	require.NoError(t, env.mon.Start(ctx))
	call := trap.MustWait(ctx)
	require.Equal(t, 12*time.Hour, call.Duration, "next midnight UTC")
	call.MustRelease(ctx)

	env.clock.Advance(12 * time.Hour).MustWait(ctx)
	call = trap.MustWait(ctx)
	require.Equal(t, 24*time.Hour, call.Duration)
	call.MustRelease(ctx)

	require.Equal(t, 1, env.sink.count())
	require.False(t, env.mon.HasSnapshot(ctx), "daily check does not touch the snapshot")
	env.mon.Stop()
}

func TestMonitorStatus(t *testing.T) {
	ctx := context.Background()
	st := fastSettings(5)
	st.DailyEnabled = true
	st.DailyHour, st.DailyMinute = 3, 30
	st.DailyLocation = time.UTC
	st.DailyThresholdGB = 50
	st.Filter = NewFilterConfig(nil, []string{"n"}, nil)
	env := newTestEnv(t, st)

	status := env.mon.Status(ctx)
	require.False(t, status.HasSnapshot)
	require.Nil(t, status.SnapshotAgeSeconds)
	require.Equal(t, "03:30", status.DailyTime)
	require.Equal(t, "UTC", status.DailyTimezone)
	require.Equal(t, 10.0, status.FastIntervalMinutes)
	require.Equal(t, 60.0, status.CooldownMinutes)
	require.Equal(t, "ignore_listed", status.NodeFilter)

	_, err := env.mon.RunFastCheck(ctx)
	require.NoError(t, err)
	env.clock.Advance(90 * time.Second)
	status = env.mon.Status(ctx)
	require.True(t, status.HasSnapshot)
	require.NotNil(t, status.SnapshotAgeSeconds)
	require.Equal(t, 90.0, *status.SnapshotAgeSeconds)
}

func TestLegacyAdapter(t *testing.T) {
	ctx := context.Background()
	st := fastSettings(5)
	st.DailyEnabled = true
	st.DailyThresholdGB = 50
	env := newTestEnv(t, st, AccountUsage{AccountID: "u1"})
	legacy := NewLegacyAdapter(env.mon)

	require.True(t, legacy.IsEnabled())
	require.Equal(t, 1, legacy.IntervalHours())
	require.Equal(t, "Быстрая: каждые 10 мин, порог 5 ГБ; Суточная: в 00:00, порог 50 ГБ", legacy.StatusInfo())

	violations, err := legacy.CheckAllAccounts(ctx)
	require.NoError(t, err)
	require.Empty(t, violations)
	require.True(t, env.mon.HasSnapshot(ctx))

	require.True(t, legacy.ReportSuspicious(ctx, "u1", 70, 50))
	require.Contains(t, env.sink.msgs[0], "Ручная проверка")
	require.Contains(t, env.sink.msgs[0], "🚨 Превышение: <b>20.00 ГБ</b>")
	require.False(t, legacy.ReportSuspicious(ctx, "u1", 80, 50), "cooldown applies to manual reports")

	off := NewLegacyAdapter(newTestEnv(t, Settings{}).mon)
	require.False(t, off.IsEnabled())
	require.Equal(t, "Отключен", off.StatusInfo())

	dailyOnly := NewLegacyAdapter(newTestEnv(t, Settings{DailyEnabled: true, DailyThresholdGB: 50, FastInterval: 3 * time.Hour}).mon)
	require.Equal(t, "Суточная: в 00:00, порог 50 ГБ", dailyOnly.StatusInfo())
	require.Equal(t, 3, dailyOnly.IntervalHours())
}

func TestMonitorOnRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := rediskv.New(client)
	t.Cleanup(func() { _ = kv.Close() })

	src := &fakeSource{accounts: []AccountUsage{
		{AccountID: "u1", UsedBytes: 10 * gb},
		{AccountID: "u2", UsedBytes: 50 * gb},
	}}
	sink := &fakeSink{}
	mon, err := New(Options{
		Source: src, Sink: sink, Store: kv,
		Settings: fastSettings(5), Clock: newMockClock(t), Logger: discardLogger(),
	})
	require.NoError(t, err)

	_, err = mon.RunFastCheck(ctx)
	require.NoError(t, err)
	require.True(t, mr.Exists(SnapshotKey))
	require.Equal(t, 24*time.Hour, mr.TTL(SnapshotKey))

	src.setUsage(map[string]uint64{"u1": gib(10.4), "u2": 56 * gb, "u3": gb})
	violations, err := mon.RunFastCheck(ctx)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	require.Equal(t, "u2", violations[0].AccountID)
	require.Equal(t, 1, sink.count())
	require.True(t, mr.Exists(cooldownKeyPrefix+"u2"))

	entries, err := kv.List(ctx, cooldownKeyPrefix)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// тот же Redis после рестарта процесса: снимок и кулдаун подхватываются
	restarted, err := New(Options{
		Source: src, Sink: sink, Store: kv,
		Settings: fastSettings(5), Clock: newMockClock(t), Logger: discardLogger(),
	})
	require.NoError(t, err)
	require.True(t, restarted.HasSnapshot(ctx))
	src.setUsage(map[string]uint64{"u2": 70 * gb})
	violations, err = restarted.RunFastCheck(ctx)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	require.Equal(t, 1, sink.count(), "cooldown survives restart")
}
