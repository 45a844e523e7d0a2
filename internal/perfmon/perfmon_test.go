package perfmon_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conscious-bot/core/internal/perfmon"
)

func sample(id string, dur time.Duration) perfmon.LatencySample {
	start := time.Now()
	return perfmon.LatencySample{
		ModuleID:   id,
		StartedAt:  start,
		FinishedAt: start.Add(dur),
		Outcome:    perfmon.OutcomeCompleted,
	}
}

func TestRecord_WarningAt80Percent(t *testing.T) {
	m := perfmon.New(16, nil)
	warn, violation := m.Record(sample("reflex", 42*time.Millisecond), 50)
	require.NotNil(t, warn)
	require.Nil(t, violation)
}

func TestRecord_ViolationAtOrOverBudget(t *testing.T) {
	m := perfmon.New(16, nil)
	warn, violation := m.Record(sample("reflex", 55*time.Millisecond), 50)
	require.Nil(t, warn)
	require.NotNil(t, violation)
}

func TestRecord_UnboundedTierNeverWarnsOrViolates(t *testing.T) {
	m := perfmon.New(16, nil)
	warn, violation := m.Record(sample("deliberative", 5*time.Second), 0)
	require.Nil(t, warn)
	require.Nil(t, violation)
}

func TestPercentiles_ExactNearestRank(t *testing.T) {
	m := perfmon.New(128, nil)
	for i := 1; i <= 100; i++ {
		m.Record(sample("mod", time.Duration(i)*time.Millisecond), 0)
	}
	p := m.Percentiles("mod")
	require.Equal(t, 100, p.SampleCount)
	require.Equal(t, 50*time.Millisecond, p.P50)
	require.Equal(t, 95*time.Millisecond, p.P95)
	require.Equal(t, 99*time.Millisecond, p.P99)
}

func TestRing_BoundedMemory(t *testing.T) {
	m := perfmon.New(10, nil)
	for i := 0; i < 1000; i++ {
		m.Record(sample("mod", time.Millisecond), 0)
	}
	p := m.Percentiles("mod")
	require.Equal(t, 10, p.SampleCount)
}

func TestRollingP95Over(t *testing.T) {
	m := perfmon.New(32, nil)
	for i := 0; i < 32; i++ {
		m.Record(sample("mod", 100*time.Millisecond), 0)
	}
	require.True(t, m.RollingP95Over("mod", 50, 1.5))
	require.False(t, m.RollingP95Over("mod", 50, 3.0))
}
