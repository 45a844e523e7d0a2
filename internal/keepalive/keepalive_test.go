package keepalive_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/config"
	"github.com/conscious-bot/core/internal/keepalive"
	"github.com/conscious-bot/core/internal/tickbudget"
)

func testConfig() config.KeepaliveConfig {
	return config.KeepaliveConfig{
		BaseIntervalMs:      1000,
		MaxPerMinute:        2,
		UserCommandWindowMs: 10_000,
		TaskWindowMs:        30_000,
		AccelerationFactor:  0.5,
	}
}

func TestIsIdle_ActivePlanStepsBlocks(t *testing.T) {
	now := time.Now()
	idle, reason := keepalive.IsIdle(keepalive.Snapshot{Now: now, ActivePlanSteps: 1}, testConfig())
	require.False(t, idle)
	require.Equal(t, keepalive.SkipActivePlan, reason)
}

func TestIsIdle_RecentTaskConversionBlocks(t *testing.T) {
	now := time.Now()
	idle, reason := keepalive.IsIdle(keepalive.Snapshot{Now: now, LastTaskConversionAt: now.Add(-time.Second)}, testConfig())
	require.False(t, idle)
	require.Equal(t, keepalive.SkipRecentTask, reason)
}

func TestIsIdle_HighThreatBlocks(t *testing.T) {
	now := time.Now()
	idle, reason := keepalive.IsIdle(keepalive.Snapshot{Now: now, ThreatLevel: keepalive.ThreatHigh}, testConfig())
	require.False(t, idle)
	require.Equal(t, keepalive.SkipThreatLevel, reason)
}

func TestIsIdle_RecentUserCommandBlocks(t *testing.T) {
	now := time.Now()
	idle, reason := keepalive.IsIdle(keepalive.Snapshot{Now: now, LastUserCommandAt: now.Add(-time.Second)}, testConfig())
	require.False(t, idle)
	require.Equal(t, keepalive.SkipRecentCommand, reason)
}

func TestIsIdle_AllConditionsHold(t *testing.T) {
	now := time.Now()
	idle, _ := keepalive.IsIdle(keepalive.Snapshot{
		Now:                  now,
		LastTaskConversionAt: now.Add(-time.Hour),
		LastUserCommandAt:    now.Add(-time.Hour),
		ThreatLevel:          keepalive.ThreatNone,
	}, testConfig())
	require.True(t, idle)
}

func TestRenderPrompt_NeverSuggestsAnAction(t *testing.T) {
	p := keepalive.RenderPrompt(keepalive.Snapshot{Now: time.Now(), ThreatLevel: keepalive.ThreatNone})
	require.NotContains(t, p.Text, "should")
	require.NotContains(t, p.Text, "could")
	require.NotContains(t, p.Text, "recommend")
}

func TestTick_SkipsWhenNotIdle(t *testing.T) {
	b := tickbudget.NewBucket(2, time.Minute)
	defer b.Close()
	c := keepalive.New(testConfig(), b, nil, zap.NewNop(), nil)

	emitted, reason := c.Tick(context.Background(), keepalive.Snapshot{Now: time.Now(), ActivePlanSteps: 1})
	require.False(t, emitted)
	require.Equal(t, keepalive.SkipActivePlan, reason)
}

func TestTick_RateLimiterTripsAfterCapacityExhausted(t *testing.T) {
	b := tickbudget.NewBucket(1, time.Minute)
	defer b.Close()
	c := keepalive.New(testConfig(), b, nil, zap.NewNop(), nil)
	snap := keepalive.Snapshot{Now: time.Now(), ThreatLevel: keepalive.ThreatNone}

	emitted, _ := c.Tick(context.Background(), snap)
	require.True(t, emitted)

	emitted, reason := c.Tick(context.Background(), snap)
	require.False(t, emitted)
	require.Equal(t, keepalive.SkipReason("rate_limited"), reason)
}

func TestNextInterval_AccelerationBoundedByFactor(t *testing.T) {
	b := tickbudget.NewBucket(5, time.Minute)
	defer b.Close()
	c := keepalive.New(testConfig(), b, nil, zap.NewNop(), nil)

	base := c.NextInterval(0)
	require.Equal(t, time.Second, base)

	fastest := c.NextInterval(1.0)
	require.Equal(t, 500*time.Millisecond, fastest, "AccelerationFactor=0.5 caps speedup at half the base interval")

	overdriven := c.NextInterval(5.0)
	require.Equal(t, fastest, overdriven, "intensity above 1 must clamp, not accelerate further")
}

type stubReducer struct {
	called bool
}

func (s *stubReducer) ReduceAndDecide(ctx context.Context, text string) (bool, string) {
	s.called = true
	return false, "not_executable"
}

func TestTick_RunsPromptThroughReducer(t *testing.T) {
	b := tickbudget.NewBucket(2, time.Minute)
	defer b.Close()
	reducer := &stubReducer{}
	c := keepalive.New(testConfig(), b, reducer, zap.NewNop(), nil)

	emitted, _ := c.Tick(context.Background(), keepalive.Snapshot{Now: time.Now(), ThreatLevel: keepalive.ThreatNone})
	require.True(t, emitted)
	require.True(t, reducer.called)
}
