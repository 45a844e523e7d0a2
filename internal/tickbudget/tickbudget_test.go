package tickbudget_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conscious-bot/core/internal/config"
	"github.com/conscious-bot/core/internal/tickbudget"
)

func testEnforcer() *tickbudget.Enforcer {
	return tickbudget.New(
		config.LoopConfig{HazardousMs: 50, RoutineMs: 200, SlackMs: 2},
		config.SafemodeConfig{Threshold: 3, Recovery: 2, AllowedTiers: []int{0, 1}},
	)
}

func TestEvaluate_PhaseTransitions(t *testing.T) {
	e := testEnforcer()
	require.Equal(t, tickbudget.PhaseFresh, e.Evaluate(10*time.Millisecond, tickbudget.ModeHazardous))
	require.Equal(t, tickbudget.PhaseWarn, e.Evaluate(41*time.Millisecond, tickbudget.ModeHazardous))
	require.Equal(t, tickbudget.PhasePreempt, e.Evaluate(53*time.Millisecond, tickbudget.ModeHazardous))
}

func TestRecordTickOutcome_EntersSafeModeAfterThreshold(t *testing.T) {
	e := testEnforcer()
	var state tickbudget.SafeModeState
	for i := 0; i < 3; i++ {
		state = e.RecordTickOutcome(true)
	}
	require.True(t, state.Active)
	require.ElementsMatch(t, []int{0, 1}, state.AllowedTiers)
}

func TestRecordTickOutcome_ExitsSafeModeAfterRecovery(t *testing.T) {
	e := testEnforcer()
	for i := 0; i < 3; i++ {
		e.RecordTickOutcome(true)
	}
	require.True(t, e.State().Active)

	var state tickbudget.SafeModeState
	for i := 0; i < 2; i++ {
		state = e.RecordTickOutcome(false)
	}
	require.False(t, state.Active)
}

func TestTierAllowed_RestrictedDuringSafeMode(t *testing.T) {
	e := testEnforcer()
	for i := 0; i < 3; i++ {
		e.RecordTickOutcome(true)
	}
	require.True(t, e.TierAllowed(0))
	require.True(t, e.TierAllowed(1))
	require.False(t, e.TierAllowed(2))
	require.False(t, e.TierAllowed(3))
}

func TestForceAndClearSafeMode(t *testing.T) {
	e := testEnforcer()
	state := e.ForceSafeMode("operator_requested")
	require.True(t, state.Active)
	require.Equal(t, "operator_requested", state.Reason)

	state = e.ClearSafeMode()
	require.False(t, state.Active)
}

func TestBucket_ConsumeAndRemaining(t *testing.T) {
	b := tickbudget.NewBucket(3, time.Hour)
	defer b.Close()
	require.True(t, b.Consume(1))
	require.True(t, b.Consume(1))
	require.True(t, b.Consume(1))
	require.False(t, b.Consume(1))
	require.Equal(t, 0, b.Remaining())
}
