package signalproc_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/config"
	"github.com/conscious-bot/core/internal/signalproc"
)

func testRules() map[string]config.NeedRule {
	return map[string]config.NeedRule{
		"health": {TriggerIntensity: 0.5, HysteresisLow: 0.3, HysteresisHigh: 0.6, BaseUrgency: 0.7, TrendBoost: 0.2, Clamp: 1.0},
	}
}

func newProc() *signalproc.Processor {
	cfg := config.SignalsConfig{
		TrendWindow:      60,
		TrendShortWindow: 5,
		TrendLongWindow:  30,
		Rules:            testRules(),
	}
	return signalproc.New(cfg, zap.NewNop())
}

func TestIngest_RejectsNaNAndInf(t *testing.T) {
	p := newProc()
	err := p.Ingest(signalproc.Signal{Kind: "health", Intensity: math.NaN()})
	require.Error(t, err)
	err = p.Ingest(signalproc.Signal{Kind: "health", Intensity: math.Inf(1)})
	require.Error(t, err)
}

func TestIngest_UnknownKindIgnoredNotErrored(t *testing.T) {
	p := newProc()
	err := p.Ingest(signalproc.Signal{Kind: "mystery", Intensity: 0.9})
	require.NoError(t, err)
	require.Empty(t, p.Derive(time.Now()))
}

func TestDerive_HysteresisPreventsFlapping(t *testing.T) {
	p := newProc()
	now := time.Now()
	pattern := []float64{0.6, 0.4, 0.6, 0.4, 0.6, 0.4}

	triggerCount := 0
	wasActive := false
	for _, v := range pattern {
		require.NoError(t, p.Ingest(signalproc.Signal{Kind: "health", Intensity: v, Timestamp: now}))
		needs := p.Derive(now)
		active := len(needs) == 1
		if active && !wasActive {
			triggerCount++
		}
		wasActive = active
	}

	require.Equal(t, 1, triggerCount, "need must trigger exactly once and stay active across the 0.6/0.4 oscillation")
	require.True(t, wasActive)
}

func TestDerive_Deterministic(t *testing.T) {
	p1 := newProc()
	p2 := newProc()
	now := time.Now()
	stream := []float64{0.1, 0.6, 0.55, 0.7, 0.2, 0.8}

	for _, v := range stream {
		require.NoError(t, p1.Ingest(signalproc.Signal{Kind: "health", Intensity: v, Timestamp: now}))
		require.NoError(t, p2.Ingest(signalproc.Signal{Kind: "health", Intensity: v, Timestamp: now}))
	}

	require.Equal(t, p1.Derive(now), p2.Derive(now))
}

func TestDerive_TrendBoostAppliedWhenRising(t *testing.T) {
	p := newProc()
	now := time.Now()
	for i := 0; i < 40; i++ {
		require.NoError(t, p.Ingest(signalproc.Signal{Kind: "health", Intensity: 0.2, Timestamp: now}))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Ingest(signalproc.Signal{Kind: "health", Intensity: 0.9, Timestamp: now}))
	}
	needs := p.Derive(now)
	require.Len(t, needs, 1)
	require.Equal(t, signalproc.TrendRising, needs[0].Trend)
	require.InDelta(t, 0.9, needs[0].Urgency, 0.001)
}

func TestTrendHistory_BoundedRing(t *testing.T) {
	p := newProc()
	now := time.Now()
	for i := 0; i < 500; i++ {
		require.NoError(t, p.Ingest(signalproc.Signal{Kind: "health", Intensity: 0.6, Timestamp: now}))
	}
	needs := p.Derive(now)
	require.Len(t, needs, 1)
	require.LessOrEqual(t, len(needs[0].Evidence), 8)
}
