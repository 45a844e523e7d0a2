package arbiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/arbiter"
	"github.com/conscious-bot/core/internal/clock"
	"github.com/conscious-bot/core/internal/config"
	"github.com/conscious-bot/core/internal/perfmon"
	"github.com/conscious-bot/core/internal/registry"
	"github.com/conscious-bot/core/internal/reduction/eligibility"
	"github.com/conscious-bot/core/internal/signalproc"
	"github.com/conscious-bot/core/internal/tickbudget"
)

type stubRunner struct {
	text string
	err  error
}

func (s stubRunner) Run(ctx interface {
	Done() <-chan struct{}
	Err() error
}) (registry.CandidateUtterance, error) {
	if s.err != nil {
		return registry.CandidateUtterance{}, s.err
	}
	return registry.CandidateUtterance{ID: "u1", RawText: s.text, GeneratedAt: time.Now()}, nil
}

func newHarness(t *testing.T) (*arbiter.Arbiter, *registry.Registry, *signalproc.Processor, config.Config) {
	t.Helper()
	cfg := config.Defaults()
	log := zap.NewNop()

	reg := registry.New(log)
	enforcer := tickbudget.New(cfg.Loop, cfg.Safemode)
	monitor := perfmon.New(64, nil)
	signals := signalproc.New(cfg.Signals, log)
	gate := eligibility.New()

	a := arbiter.New(reg, enforcer, monitor, signals, clock.NewReal(), nil, gate, nil, nil, log, "v1", cfg.Signals.Rules)
	return a, reg, signals, cfg
}

func TestTick_NoNeedsProducesEmptyOutcome(t *testing.T) {
	a, _, _, _ := newHarness(t)
	out := a.Tick(context.Background(), time.Now())
	require.Empty(t, out.SelectedNeed)
	require.Empty(t, out.DispatchedID)
}

func TestTick_DispatchesReflexForHazardousNeed(t *testing.T) {
	a, reg, signals, _ := newHarness(t)
	reg.Register(registry.RegisterOpts{
		ID: "reflex.safety", Tier: registry.TierReflex, DeclaredLatencyBudgetMs: 10,
		Capabilities: []registry.Capability{"combat", "survival"},
		Runner:       stubRunner{text: "[GOAL: retreat]"},
	})

	now := time.Now()
	require.NoError(t, signals.Ingest(signalproc.Signal{Kind: "safety", Intensity: 0.8, Timestamp: now}))

	out := a.Tick(context.Background(), now)
	require.Equal(t, "safety", out.SelectedNeed)
	require.Equal(t, "reflex.safety", out.DispatchedID)
	require.Equal(t, registry.TierReflex, out.DispatchedTier)
	require.Equal(t, tickbudget.ModeHazardous, out.Mode)
}

func TestTick_NoCandidateLeavesDispatchEmpty(t *testing.T) {
	a, _, signals, _ := newHarness(t)
	now := time.Now()
	require.NoError(t, signals.Ingest(signalproc.Signal{Kind: "hunger", Intensity: 0.8, Timestamp: now}))

	out := a.Tick(context.Background(), now)
	require.Equal(t, "hunger", out.SelectedNeed)
	require.Empty(t, out.DispatchedID)
}

func TestTick_EligibleCandidateMarksConvertEligibleFalseWithoutClient(t *testing.T) {
	a, reg, signals, _ := newHarness(t)
	reg.Register(registry.RegisterOpts{
		ID: "reactive.eat", Tier: registry.TierReactive, DeclaredLatencyBudgetMs: 50,
		Capabilities: []registry.Capability{"planning"},
		Runner:       stubRunner{text: "I should eat."},
	})

	now := time.Now()
	require.NoError(t, signals.Ingest(signalproc.Signal{Kind: "hunger", Intensity: 0.8, Timestamp: now}))

	out := a.Tick(context.Background(), now)
	require.Equal(t, "reactive.eat", out.DispatchedID)
	require.False(t, out.ConvertEligible, "no reduction client wired means HadProvenance=false, fail-closed")
	require.Equal(t, eligibility.ReasonNoReduction, out.Reasoning)
}

func TestTick_PreemptsRunningLowerTierOnReflexArrival(t *testing.T) {
	a, reg, signals, _ := newHarness(t)
	lower := reg.Register(registry.RegisterOpts{
		ID: "reactive.wander", Tier: registry.TierReactive, DeclaredLatencyBudgetMs: 50,
	})
	require.NoError(t, lower.Transition(registry.StateRunning))

	reg.Register(registry.RegisterOpts{
		ID: "reflex.safety", Tier: registry.TierReflex, DeclaredLatencyBudgetMs: 10,
		Capabilities: []registry.Capability{"combat", "survival"},
		Runner:       stubRunner{text: "flee"},
	})

	now := time.Now()
	require.NoError(t, signals.Ingest(signalproc.Signal{Kind: "safety", Intensity: 0.8, Timestamp: now}))

	out := a.Tick(context.Background(), now)
	require.Contains(t, out.Preempted, "reactive.wander")
	require.Equal(t, registry.StateIdle, lower.Current())
}

// nonCooperativeRunner ignores ctx entirely and only returns once released,
// simulating a module that never checks its deadline token.
type nonCooperativeRunner struct {
	release chan struct{}
}

func (r nonCooperativeRunner) Run(ctx interface {
	Done() <-chan struct{}
	Err() error
}) (registry.CandidateUtterance, error) {
	<-r.release
	return registry.CandidateUtterance{RawText: "too late"}, nil
}

// TestTick_AbandonsNonCooperativeModuleAtDeadline confirms Tick returns at
// the mode deadline rather than blocking for a Runner that never selects
// on its token — the bounded worker pool abandons it instead of waiting.
func TestTick_AbandonsNonCooperativeModuleAtDeadline(t *testing.T) {
	a, reg, signals, _ := newHarness(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	reg.Register(registry.RegisterOpts{
		ID: "reflex.safety", Tier: registry.TierReflex, DeclaredLatencyBudgetMs: 10,
		Capabilities: []registry.Capability{"combat", "survival"},
		Runner:       nonCooperativeRunner{release: release},
	})

	now := time.Now()
	require.NoError(t, signals.Ingest(signalproc.Signal{Kind: "safety", Intensity: 0.8, Timestamp: now}))

	start := time.Now()
	out := a.Tick(context.Background(), now)
	require.Less(t, time.Since(start), 500*time.Millisecond, "Tick must abandon a non-cooperative module at its deadline, not block for it")
	require.Equal(t, "reflex.safety", out.DispatchedID)
	require.False(t, out.ConvertEligible)
}
