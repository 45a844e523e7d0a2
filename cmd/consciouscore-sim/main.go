// Package main — cmd/consciouscore-sim/main.go
//
// Conscious core scenario simulator.
//
// Purpose: exercise the tick loop end-to-end against six scenarios without
// a live Sterling authority or a real Minecraft-agent runtime, injecting
// synthetic signals and a stub reduction transport per scenario:
//
//   1. explicit-goal-executable   — a reflex module emits a [GOAL: ...]
//      marker; the stub authority reports isExecutable=true.
//   2. natural-language-not-executable — a module emits prose with no
//      markers; the stub authority processes it but reports
//      isExecutable=false.
//   3. authority-unreachable      — the stub transport always errors;
//      convertEligible must be false regardless of module output
//      (I-FAILCLOSED-1).
//   4. budget-violation-cascade   — a module's Run blocks past its tier
//      budget on every tick until Safe Mode is forced.
//   5. keepalive-idle-gate        — the keep-alive controller is ticked
//      directly against an idle and a non-idle snapshot.
//   6. signal-hysteresis          — a signal oscillates across the
//      trigger band; once triggered, the need must stay present on every
//      tick while the signal stays above the low band (hysteresis).
//
// Output: one CSV row per tick to stdout (scenario, tick, field, value),
// a PASS/FAIL line per scenario to stderr, and a non-zero exit code if any
// scenario fails.
package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/arbiter"
	"github.com/conscious-bot/core/internal/bus"
	"github.com/conscious-bot/core/internal/clock"
	"github.com/conscious-bot/core/internal/config"
	"github.com/conscious-bot/core/internal/keepalive"
	"github.com/conscious-bot/core/internal/perfmon"
	reductionclient "github.com/conscious-bot/core/internal/reduction/client"
	"github.com/conscious-bot/core/internal/reduction/eligibility"
	"github.com/conscious-bot/core/internal/registry"
	"github.com/conscious-bot/core/internal/signalproc"
	"github.com/conscious-bot/core/internal/telemetry"
	"github.com/conscious-bot/core/internal/tickbudget"
)

func main() {
	log := zap.NewNop()
	w := csv.NewWriter(os.Stdout)
	defer w.Flush()
	_ = w.Write([]string{"scenario", "tick", "field", "value"})

	allPass := true
	for _, scenario := range []func(log *zap.Logger, w *csv.Writer) bool{
		runExplicitGoalExecutable,
		runNaturalLanguageNotExecutable,
		runAuthorityUnreachable,
		runBudgetViolationCascade,
		runKeepaliveIdleGate,
		runSignalHysteresis,
	} {
		if !scenario(log, w) {
			allPass = false
		}
	}

	if !allPass {
		fmt.Fprintln(os.Stderr, "RESULT: FAIL — one or more scenarios did not hold")
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "RESULT: PASS — all scenarios held")
}

// stubRunner emits a fixed utterance on every dispatch.
type stubRunner struct{ text string }

func (s stubRunner) Run(ctx interface {
	Done() <-chan struct{}
	Err() error
}) (registry.CandidateUtterance, error) {
	return registry.CandidateUtterance{RawText: s.text, GeneratedAt: time.Now()}, nil
}

// blockingRunner never returns inside the dispatch deadline, simulating a
// module that consistently overruns its tier budget.
type blockingRunner struct{}

func (blockingRunner) Run(ctx interface {
	Done() <-chan struct{}
	Err() error
}) (registry.CandidateUtterance, error) {
	<-ctx.Done()
	return registry.CandidateUtterance{}, ctx.Err()
}

// stubTransport reports a fixed (executable, err) pair on every Call,
// modeling one behavior of the semantic authority per scenario.
type stubTransport struct {
	executable bool
	callErr    error
}

func (s stubTransport) Call(ctx context.Context, req reductionclient.Envelope) (reductionclient.Response, error) {
	if s.callErr != nil {
		return reductionclient.Response{}, s.callErr
	}
	return reductionclient.Response{IsExecutable: s.executable}, nil
}
func (s stubTransport) Ping(ctx context.Context) error { return s.callErr }
func (s stubTransport) Close() error                   { return nil }

func newArbiter(transport reductionclient.Transport) (*arbiter.Arbiter, *registry.Registry, *signalproc.Processor, *tickbudget.Enforcer) {
	cfg := config.Defaults()
	log := zap.NewNop()
	metrics := telemetry.NewMetrics()

	reg := registry.New(log)
	enforcer := tickbudget.New(cfg.Loop, cfg.Safemode)
	monitor := perfmon.New(64, metrics)
	signals := signalproc.New(cfg.Signals, log)
	gate := eligibility.New()
	eventBus := bus.New(bus.DefaultTopics(cfg.Bus.TopicCapacity), nil)

	var rc *reductionclient.Client
	if transport != nil {
		rc = reductionclient.New(cfg.Reduction, transport, log, metrics)
	}

	a := arbiter.New(reg, enforcer, monitor, signals, clock.NewReal(), rc, gate, eventBus, metrics,
		log, "sim-v1", cfg.Signals.Rules)
	return a, reg, signals, enforcer
}

func emit(w *csv.Writer, scenario string, tick int, field, value string) {
	_ = w.Write([]string{scenario, fmt.Sprintf("%d", tick), field, value})
}

func runExplicitGoalExecutable(log *zap.Logger, w *csv.Writer) bool {
	const name = "explicit-goal-executable"
	a, reg, signals, _ := newArbiter(stubTransport{executable: true})
	reg.Register(registry.RegisterOpts{
		ID: "reflex.safety", Tier: registry.TierReflex, DeclaredLatencyBudgetMs: 10,
		Capabilities: []registry.Capability{"combat", "survival"},
		Runner:       stubRunner{text: "[GOAL: retreat]"},
	})
	now := time.Now()
	_ = signals.Ingest(signalproc.Signal{Kind: "safety", Intensity: 0.8, Timestamp: now})

	out := a.Tick(context.Background(), now)
	emit(w, name, 0, "convert_eligible", fmt.Sprintf("%t", out.ConvertEligible))
	pass := out.ConvertEligible
	report(name, pass)
	return pass
}

func runNaturalLanguageNotExecutable(log *zap.Logger, w *csv.Writer) bool {
	const name = "natural-language-not-executable"
	a, reg, signals, _ := newArbiter(stubTransport{executable: false})
	reg.Register(registry.RegisterOpts{
		ID: "reactive.planner", Tier: registry.TierReactive, DeclaredLatencyBudgetMs: 50,
		Capabilities: []registry.Capability{"planning"},
		Runner:       stubRunner{text: "I wonder what to do next."},
	})
	now := time.Now()
	_ = signals.Ingest(signalproc.Signal{Kind: "hunger", Intensity: 0.8, Timestamp: now})

	out := a.Tick(context.Background(), now)
	emit(w, name, 0, "convert_eligible", fmt.Sprintf("%t", out.ConvertEligible))
	emit(w, name, 0, "reasoning", string(out.Reasoning))
	pass := !out.ConvertEligible && out.Reasoning == eligibility.ReasonSterlingNotExecutable
	report(name, pass)
	return pass
}

func runAuthorityUnreachable(log *zap.Logger, w *csv.Writer) bool {
	const name = "authority-unreachable"
	a, reg, signals, _ := newArbiter(stubTransport{callErr: fmt.Errorf("connection refused")})
	reg.Register(registry.RegisterOpts{
		ID: "reflex.safety", Tier: registry.TierReflex, DeclaredLatencyBudgetMs: 10,
		Capabilities: []registry.Capability{"combat", "survival"},
		Runner:       stubRunner{text: "[GOAL: retreat]"},
	})
	now := time.Now()
	_ = signals.Ingest(signalproc.Signal{Kind: "safety", Intensity: 0.8, Timestamp: now})

	out := a.Tick(context.Background(), now)
	emit(w, name, 0, "convert_eligible", fmt.Sprintf("%t", out.ConvertEligible))
	pass := !out.ConvertEligible
	report(name, pass)
	return pass
}

func runBudgetViolationCascade(log *zap.Logger, w *csv.Writer) bool {
	const name = "budget-violation-cascade"
	a, reg, signals, enforcer := newArbiter(nil)

	// A fresh module per tick: once a dispatch times out, the arbiter
	// moves it to StateDegraded (spec 4.1 — abandoned, not reused), so
	// sustaining consecutive violations requires distinct idle candidates
	// rather than redispatching the same one.
	const n = 5
	for i := 0; i < n; i++ {
		reg.Register(registry.RegisterOpts{
			ID: fmt.Sprintf("reflex.slow-%d", i), Tier: registry.TierReflex, DeclaredLatencyBudgetMs: 1,
			Capabilities: []registry.Capability{"combat", "survival"},
			Runner:       blockingRunner{},
		})
	}

	safeModeEntered := false
	for i := 0; i < n; i++ {
		now := time.Now()
		_ = signals.Ingest(signalproc.Signal{Kind: "safety", Intensity: 0.8, Timestamp: now})
		out := a.Tick(context.Background(), now)
		state := enforcer.State()
		emit(w, name, i, "phase", out.Phase.String())
		emit(w, name, i, "safemode_active", fmt.Sprintf("%t", state.Active))
		if state.Active {
			safeModeEntered = true
			break
		}
	}
	report(name, safeModeEntered)
	return safeModeEntered
}

func runKeepaliveIdleGate(log *zap.Logger, w *csv.Writer) bool {
	const name = "keepalive-idle-gate"
	cfg := config.Defaults()
	limiter := tickbudget.NewBucket(cfg.Keepalive.MaxPerMinute, time.Minute)
	defer limiter.Close()
	kac := keepalive.New(cfg.Keepalive, limiter, nil, zap.NewNop(), telemetry.NewMetrics())

	now := time.Now()
	emittedIdle, _ := kac.Tick(context.Background(), keepalive.Snapshot{Now: now})
	emit(w, name, 0, "emitted_when_idle", fmt.Sprintf("%t", emittedIdle))

	busy := keepalive.Snapshot{Now: now, ActivePlanSteps: 1}
	emittedBusy, reason := kac.Tick(context.Background(), busy)
	emit(w, name, 1, "emitted_when_busy", fmt.Sprintf("%t", emittedBusy))
	emit(w, name, 1, "skip_reason", string(reason))

	pass := emittedIdle && !emittedBusy && reason == keepalive.SkipActivePlan
	report(name, pass)
	return pass
}

func runSignalHysteresis(log *zap.Logger, w *csv.Writer) bool {
	const name = "signal-hysteresis"
	cfg := config.Defaults()
	signals := signalproc.New(cfg.Signals, zap.NewNop())

	fireCount := 0
	now := time.Now()
	intensities := []float64{0.55, 0.45, 0.55, 0.45, 0.55}
	for i, intensity := range intensities {
		_ = signals.Ingest(signalproc.Signal{Kind: "hunger", Intensity: intensity, Timestamp: now.Add(time.Duration(i) * time.Second)})
		needs := signals.Derive(now.Add(time.Duration(i) * time.Second))
		for _, n := range needs {
			if n.Kind == "hunger" {
				fireCount++
			}
		}
		emit(w, name, i, "needs_fired", fmt.Sprintf("%d", len(needs)))
	}

	// Hysteresis keeps the need latched active through every dip that
	// stays above HysteresisLow — a naive single-threshold comparison
	// would instead flap inactive on each sub-trigger sample.
	pass := fireCount == len(intensities)
	report(name, pass)
	return pass
}

func report(name string, pass bool) {
	status := "PASS"
	if !pass {
		status = "FAIL"
	}
	fmt.Fprintf(os.Stderr, "%s: %s\n", status, name)
}
