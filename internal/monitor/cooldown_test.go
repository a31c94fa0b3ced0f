package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCooldownWindow(t *testing.T) {
	ctx := context.Background()
	clk := newMockClock(t)
	kv := newMemKV()
	c := NewCooldownTracker(kv, time.Hour, clk, discardLogger(), nil)

	require.True(t, c.ShouldNotify(ctx, "u1"))
	c.Record(ctx, "u1")
	require.False(t, c.ShouldNotify(ctx, "u1"))
	require.True(t, c.ShouldNotify(ctx, "u2"), "cooldown is per account")

	clk.Advance(time.Hour)
	require.False(t, c.ShouldNotify(ctx, "u1"), "age must exceed the window")
	clk.Advance(time.Second)
	require.True(t, c.ShouldNotify(ctx, "u1"))

	require.Equal(t, 24*time.Hour, kv.ttls[cooldownKeyPrefix+"u1"])
}

func TestCooldownTTLCoversLongWindow(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	c := NewCooldownTracker(kv, 48*time.Hour, newMockClock(t), discardLogger(), nil)
	c.Record(ctx, "u1")
	require.Equal(t, 48*time.Hour, kv.ttls[cooldownKeyPrefix+"u1"])
}

func TestCooldownFallbackAndSweep(t *testing.T) {
	ctx := context.Background()
	clk := newMockClock(t)
	kv := newMemKV()
	kv.setFail(true)
	c := NewCooldownTracker(kv, time.Hour, clk, discardLogger(), nil)

	c.Record(ctx, "u1")
	require.False(t, c.ShouldNotify(ctx, "u1"))

	kv.setFail(false)
	require.False(t, c.ShouldNotify(ctx, "u1"), "memory entry still gates after recovery")

	clk.Advance(12 * time.Hour)
	c.Record(ctx, "u2")
	require.Zero(t, c.Sweep())

	clk.Advance(12*time.Hour + time.Second)
	require.Equal(t, 1, c.Sweep(), "u1 memory entry is older than a day")
	require.Empty(t, c.fallback)
	_, ok, err := kv.Get(ctx, cooldownKeyPrefix+"u2")
	require.NoError(t, err)
	require.True(t, ok, "store entry is not affected by sweep")

	kv.setFail(true)
	c.Record(ctx, "u3")
	require.Zero(t, c.Sweep())
	require.Contains(t, c.fallback, "u3")
}
