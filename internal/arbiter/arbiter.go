// Package arbiter is the Arbiter / Preemption Scheduler (C9): the central
// tick loop. One Tick call is one scheduling decision — snapshot needs,
// pick the highest-urgency unsatisfied one, choose a candidate module by
// tier/capability, dispatch it under a tick-bound cancellation token,
// and pipe whatever it produces through the sanitize -> reduce -> decide
// pipeline (C6 -> C5 -> C7).
//
// Grounded on internal/kernel's Processor dispatch loop shape (inject
// every collaborator by pointer, one exported entrypoint per tick) and
// internal/escalation/state_machine.go's single-owner mutation of tick
// state. Per-tick spans are grounded on itsneelabh-gomind/telemetry/otel.go's
// tracer-per-operation pattern.
package arbiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/bus"
	"github.com/conscious-bot/core/internal/clock"
	"github.com/conscious-bot/core/internal/config"
	reductionclient "github.com/conscious-bot/core/internal/reduction/client"
	"github.com/conscious-bot/core/internal/reduction/eligibility"
	"github.com/conscious-bot/core/internal/reduction/sanitizer"
	"github.com/conscious-bot/core/internal/perfmon"
	"github.com/conscious-bot/core/internal/registry"
	"github.com/conscious-bot/core/internal/signalproc"
	"github.com/conscious-bot/core/internal/telemetry"
	"github.com/conscious-bot/core/internal/tickbudget"
)

// Outcome is the per-tick summary the arbiter returns, useful to the
// simulation harness and tests without reaching into every collaborator.
type Outcome struct {
	TickID          string
	SelectedNeed    string
	Mode            tickbudget.Mode
	Phase           tickbudget.Phase
	DispatchedID    string
	DispatchedTier  registry.Tier
	ConvertEligible bool
	Reasoning       eligibility.Reasoning
	Preempted       []string
	Elapsed         time.Duration
}

// dispatchPoolSize bounds the worker pool tier 2/3 modules and the
// semantic reduction call run on (spec §5: "heavy modules ... and the
// semantic client run on a bounded worker pool ... the loop awaits or
// cancels them by deadline"). Grounded on reductionclient.Client's own
// semCh sizing convention (internal/reduction/client/client.go) and
// internal/opctl's connection-concurrency semaphore.
const dispatchPoolSize = 8

// Arbiter owns references to every collaborator it drives one tick at a
// time. Stateless across ticks except for the registry/enforcer state
// those collaborators themselves own.
type Arbiter struct {
	registry  *registry.Registry
	enforcer  *tickbudget.Enforcer
	monitor   *perfmon.Monitor
	signals   *signalproc.Processor
	clock     clock.Source
	client    *reductionclient.Client
	eligGate  *eligibility.Gate
	eventBus  *bus.Bus
	metrics   *telemetry.Metrics
	emitter   *telemetry.Emitter
	log       *zap.Logger
	tracer    trace.Tracer
	schemaVer string
	rules     map[string]config.NeedRule

	dispatchSem chan struct{}
}

// New constructs an Arbiter. schemaVersion is stamped on every envelope
// (spec §3 Envelope.schemaVersion). rules is the same need-generation rule
// set the injected signalproc.Processor was constructed from
// (config.Config.Signals.Rules) — the arbiter reads its tier/capability/
// mode mapping from it (spec 4.8/4.9) without signalproc needing to
// expose its internal rule lookup.
func New(
	reg *registry.Registry,
	enforcer *tickbudget.Enforcer,
	monitor *perfmon.Monitor,
	signals *signalproc.Processor,
	clk clock.Source,
	rc *reductionclient.Client,
	gate *eligibility.Gate,
	eventBus *bus.Bus,
	metrics *telemetry.Metrics,
	log *zap.Logger,
	schemaVersion string,
	rules map[string]config.NeedRule,
) *Arbiter {
	return &Arbiter{
		registry: reg, enforcer: enforcer, monitor: monitor, signals: signals,
		clock: clk, client: rc, eligGate: gate, eventBus: eventBus, metrics: metrics,
		log: log, tracer: otel.Tracer("conscious-core/arbiter"), schemaVer: schemaVersion,
		rules:       rules,
		dispatchSem: make(chan struct{}, dispatchPoolSize),
	}
}

// SetEmitter wires a structured-event emitter (spec §4.11). Optional — a
// nil emitter (the default) means Tick outcomes are still observable via
// Metrics and the zap logger, just not as correlated structured events.
func (a *Arbiter) SetEmitter(e *telemetry.Emitter) {
	a.emitter = e
}

// Tick runs one scheduling decision (spec 4.9 steps 1-8). now is the tick
// start time, used for Need selection and telemetry; all deadline math
// uses the injected clock Source.
func (a *Arbiter) Tick(ctx context.Context, now time.Time) Outcome {
	tickID := uuid.NewString()
	ctx, span := a.tracer.Start(ctx, "tick", trace.WithAttributes(attribute.String("tick_id", tickID)))
	defer span.End()

	start := a.clock.Now()
	out := Outcome{TickID: tickID}

	if a.metrics != nil {
		a.metrics.TicksTotal.Inc()
	}

	needs := a.signals.Derive(now)
	need, ok := selectHighestUrgency(needs)
	if !ok {
		out.Elapsed = clock.Elapsed(start)
		return out
	}
	out.SelectedNeed = need.Kind

	rule := a.needRule(need.Kind)
	mode := tickbudget.ModeRoutine
	if rule.Mode == "hazardous" {
		mode = tickbudget.ModeHazardous
	}
	out.Mode = mode
	if a.metrics != nil {
		a.metrics.TicksTotal.WithLabelValues(string(mode)).Inc()
	}

	deadline := a.enforcer.Deadline(mode)
	token, cancel := a.clock.NewDeadline(ctx, deadline)
	defer cancel()

	candidates := a.candidateLadder(registry.Tier(rule.RequiredTier), capabilitiesOf(rule.RequiredCapabilities))
	entry := firstDispatchable(candidates)
	if entry == nil {
		out.Phase = a.enforcer.Evaluate(clock.Elapsed(start), mode)
		out.Elapsed = clock.Elapsed(start)
		return out
	}

	if entry.Tier == registry.TierReflex {
		out.Preempted = a.preemptLowerTiers(entry.ID)
	}

	out.DispatchedID = entry.ID
	out.DispatchedTier = entry.Tier

	utterance, dispatchOutcome := a.dispatch(token, entry)

	warning, violation := a.monitor.Record(perfmon.LatencySample{
		ModuleID: entry.ID, StartedAt: start, FinishedAt: a.clock.Now(), Outcome: dispatchOutcome,
	}, entry.DeclaredLatencyBudgetMs)
	if warning != nil && a.log != nil {
		a.log.Warn("budget warning", zap.String("module_id", entry.ID), zap.Duration("latency", warning.Latency))
	}

	if a.registry.Get(entry.ID) != nil && a.monitor.RollingP95Over(entry.ID, entry.DeclaredLatencyBudgetMs, degradationFactorDefault) {
		entry.Downgrade()
		if a.metrics != nil {
			a.metrics.ModulesDegradedGauge.Set(float64(a.registry.DegradedCount()))
		}
		if a.emitter != nil {
			a.emitter.Emit(telemetry.EventModuleDegraded, tickID, map[string]any{"module_id": entry.ID})
		}
	}

	// reduceAndDecide shares token with dispatch: the semantic call is
	// bound by the same tick deadline, so its wait time counts toward the
	// elapsed figure Evaluate/RecordTickOutcome judge below (spec §4.5 —
	// a slow reduction authority is itself a source of tick overrun).
	if dispatchOutcome == perfmon.OutcomeCompleted && utterance != nil {
		decision := a.reduceAndDecide(token, *utterance)
		out.ConvertEligible = decision.ConvertEligible
		out.Reasoning = decision.Reasoning

		if decision.ConvertEligible {
			a.publish(bus.TopicTasks, *utterance)
		} else {
			a.publish(bus.TopicThoughts, *utterance)
		}
	}

	elapsedRun := clock.Elapsed(start)
	out.Phase = a.enforcer.Evaluate(elapsedRun, mode)

	wasSafeMode := a.enforcer.State().Active
	sms := a.enforcer.RecordTickOutcome(violation != nil || out.Phase == tickbudget.PhasePreempt)
	if a.emitter != nil {
		switch {
		case sms.Active && !wasSafeMode:
			a.emitter.Emit(telemetry.EventSafeModeEntered, tickID, map[string]any{"reason": sms.Reason})
		case !sms.Active && wasSafeMode:
			a.emitter.Emit(telemetry.EventSafeModeExited, tickID, nil)
		}
		a.emitter.Emit(telemetry.EventTickCompleted, tickID, map[string]any{
			"need": out.SelectedNeed, "dispatched_id": out.DispatchedID,
			"mode": string(out.Mode), "phase": out.Phase.String(),
			"convert_eligible": out.ConvertEligible,
		})
	}

	out.Elapsed = clock.Elapsed(start)
	return out
}

// degradationFactorDefault is the factor Tick always passes to
// RollingP95Over; Arbiter holds no RegistryConfig, so Tick never sees
// config.RegistryConfig.DegradationFactor. Only DegradeModulesIfNeeded
// below takes a caller-supplied factor.
const degradationFactorDefault = 1.5

// DegradeModulesIfNeeded re-checks every listed module's rolling P95
// against factor and downgrades any that exceed it, restoring the declared
// tier of any that do not (spec 4.4 degradation policy). The binaries in
// this module do not call it, so config.RegistryConfig.DegradationFactor
// is not applied anywhere at run time.
func (a *Arbiter) DegradeModulesIfNeeded(ids []string, budgets map[string]int, factor float64) {
	for _, id := range ids {
		e := a.registry.Get(id)
		if e == nil {
			continue
		}
		if a.monitor.RollingP95Over(id, budgets[id], factor) {
			e.Downgrade()
		} else {
			e.RestoreTier()
		}
	}
}

// needRule looks up the tier/capability/mode mapping for kind. A kind with
// no registered rule (should not happen — Derive only emits Needs for
// known kinds) falls back to the safest default: routine mode, the
// cheapest hierarchical tier.
func (a *Arbiter) needRule(kind string) config.NeedRule {
	if rule, ok := a.rules[kind]; ok {
		return rule
	}
	return config.NeedRule{Mode: "routine", RequiredTier: int(registry.TierHierarchical)}
}

func capabilitiesOf(tokens []string) []registry.Capability {
	caps := make([]registry.Capability, len(tokens))
	for i, t := range tokens {
		caps[i] = registry.Capability(t)
	}
	return caps
}

// selectHighestUrgency implements spec 4.9's tie-break: higher urgency
// first; equal urgency breaks by (a) lower tier is not known at this
// stage so falls through to (b) older generatedAt first, (c) stable
// ordering by need kind string.
func selectHighestUrgency(needs []signalproc.Need) (signalproc.Need, bool) {
	if len(needs) == 0 {
		return signalproc.Need{}, false
	}
	sorted := make([]signalproc.Need, len(needs))
	copy(sorted, needs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Urgency != sorted[j].Urgency {
			return sorted[i].Urgency > sorted[j].Urgency
		}
		if !sorted[i].GeneratedAt.Equal(sorted[j].GeneratedAt) {
			return sorted[i].GeneratedAt.Before(sorted[j].GeneratedAt)
		}
		return sorted[i].Kind < sorted[j].Kind
	})
	return sorted[0], true
}

// candidateLadder builds the ordered candidate list from Reflex up to
// tier (spec 4.9 step 3: "reflex first, then down the ladder"),
// restricted by the current Safe Mode allowed tiers.
func (a *Arbiter) candidateLadder(tier registry.Tier, required []registry.Capability) []*registry.Entry {
	var out []*registry.Entry
	for t := registry.TierReflex; t <= tier; t++ {
		if !a.enforcer.TierAllowed(int(t)) {
			continue
		}
		out = append(out, a.registry.CandidatesForNeed(t, required)...)
	}
	// Reflex-first ordering: CandidatesForNeed already returns entries in
	// ID order per tier; a stable ascending-tier sort keeps Tier 0 entries first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out
}

func firstDispatchable(candidates []*registry.Entry) *registry.Entry {
	for _, e := range candidates {
		if e.Current() == registry.StateIdle {
			return e
		}
	}
	return nil
}

// preemptLowerTiers transitions every Running module below Tier 0 to
// Preempted (spec 4.9 step 5: "preempt all running lower-tier modules").
// Returns the IDs preempted.
func (a *Arbiter) preemptLowerTiers(dispatchingID string) []string {
	var preempted []string
	for _, t := range []registry.Tier{registry.TierReactive, registry.TierHierarchical, registry.TierDeliberative} {
		for _, e := range a.registry.ForTier(t) {
			if e.ID == dispatchingID {
				continue
			}
			if e.Current() == registry.StateRunning {
				if err := e.Transition(registry.StatePreempted); err == nil {
					_ = e.Transition(registry.StateIdle)
					preempted = append(preempted, e.ID)
				}
			}
		}
	}
	return preempted
}

// poolResult carries a runOnPool goroutine's return value across its
// result channel.
type poolResult[T any] struct {
	val T
	err error
}

// runOnPool executes fn on the arbiter's bounded worker pool, racing its
// completion against ctx's deadline (spec §5: "heavy modules ... and the
// semantic client run on a bounded worker pool and communicate with the
// loop via channels; the loop awaits or cancels them by deadline"). If
// ctx fires first — either while waiting for a free pool slot or while fn
// is running — the zero value is returned immediately and fn's eventual
// result, if any, is discarded: the call is abandoned, not killed (spec
// §4.1).
func runOnPool[T any](sem chan struct{}, ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	resultCh := make(chan poolResult[T], 1)
	go func() {
		defer func() { <-sem }()
		v, err := fn()
		resultCh <- poolResult[T]{val: v, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// dispatch runs entry's Runner on the bounded worker pool under token,
// transitioning its registry state through Running -> terminal. A module
// that returns an error or never honors the token's deadline is
// abandoned, never killed (spec §4.1: "a preemption on a non-cooperative
// module falls back to abandonment") — the goroutine running it is left
// to exit on its own time; only its result is dropped.
func (a *Arbiter) dispatch(token clock.Token, entry *registry.Entry) (*registry.CandidateUtterance, perfmon.Outcome) {
	if err := entry.Transition(registry.StateRunning); err != nil {
		return nil, perfmon.OutcomeErrored
	}
	if entry.Runner == nil {
		_ = entry.Transition(registry.StateIdle)
		return nil, perfmon.OutcomeCompleted
	}

	utt, err := runOnPool(a.dispatchSem, token, func() (registry.CandidateUtterance, error) {
		return entry.Runner.Run(token)
	})

	switch {
	case token.Err() != nil:
		_ = entry.Transition(registry.StateTimedOut)
		_ = entry.Transition(registry.StateDegraded)
		return nil, perfmon.OutcomeTimedOut
	case err != nil:
		_ = entry.Transition(registry.StateErrored)
		_ = entry.Transition(registry.StateIdle)
		return nil, perfmon.OutcomeErrored
	default:
		_ = entry.Transition(registry.StateCompleted)
		_ = entry.Transition(registry.StateIdle)
		return &utt, perfmon.OutcomeCompleted
	}
}

// reduceAndDecide runs a produced candidate utterance through C6 (sanitize)
// -> C5 (reduce) -> C7 (decide), spec 4.9 step 6. The reduce step runs on
// the same bounded worker pool dispatch uses, raced against ctx's
// deadline so a slow or wedged semantic authority cannot hold the tick
// open past its budget.
func (a *Arbiter) reduceAndDecide(ctx context.Context, utt registry.CandidateUtterance) eligibility.Decision {
	result := sanitizer.Sanitize(utt.RawText)

	env := reductionclient.Envelope{
		EnvelopeID:        envelopeID(a.schemaVer, result.SanitizedText, ""),
		SchemaVersion:     a.schemaVer,
		SanitizedText:     result.SanitizedText,
		SanitizationFlags: flagsToStrings(result.Flags),
		Markers:           result.Markers,
	}

	var prov reductionclient.Provenance
	if a.client != nil {
		var abandonErr error
		prov, abandonErr = runOnPool(a.dispatchSem, ctx, func() (reductionclient.Provenance, error) {
			return a.client.Reduce(ctx, env), nil
		})
		if abandonErr != nil {
			// ctx fired before a pool slot was granted or before Reduce
			// returned — abandoned, same fail-closed shape Reduce itself
			// produces on caller cancellation.
			prov = reductionclient.Provenance{EnvelopeID: env.EnvelopeID, BlockReason: "abandoned", SterlingError: "abandoned"}
		}
	}

	return a.eligGate.Decide(eligibility.Provenance{
		HadProvenance:     a.client != nil,
		SterlingProcessed: prov.SterlingProcessed,
		EnvelopeID:        prov.EnvelopeID,
		ReducerResult:     prov.ReducerResult,
		IsExecutable:      prov.IsExecutable,
		BlockReason:       prov.BlockReason,
		DurationMs:        prov.DurationMs,
		SterlingError:     prov.SterlingError,
	})
}

// KeepaliveReducer adapts Arbiter's sanitize -> reduce -> decide pipeline
// to keepalive.Reducer, so keep-alive prompts flow through the exact same
// C6 -> C5 -> C7 path dispatched utterances use (spec §4.12).
type KeepaliveReducer struct {
	arbiter *Arbiter
}

// NewKeepaliveReducer wraps a to satisfy keepalive.Reducer.
func NewKeepaliveReducer(a *Arbiter) *KeepaliveReducer {
	return &KeepaliveReducer{arbiter: a}
}

// ReduceAndDecide implements keepalive.Reducer.
func (r *KeepaliveReducer) ReduceAndDecide(ctx context.Context, text string) (eligible bool, reasoning string) {
	decision := r.arbiter.reduceAndDecide(ctx, registry.CandidateUtterance{RawText: text, GeneratedAt: time.Now()})
	return decision.ConvertEligible, string(decision.Reasoning)
}

func (a *Arbiter) publish(topic bus.Topic, utt registry.CandidateUtterance) {
	if a.eventBus == nil {
		return
	}
	if err := a.eventBus.Publish(topic, utt); err != nil && a.log != nil {
		a.log.Warn("publish failed", zap.String("topic", string(topic)), zap.Error(err))
	}
}

func flagsToStrings(flags []sanitizer.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

// envelopeID derives the correlation key per SPEC_FULL.md §5 open question
// resolution #2: 16 lowercase hex characters, the first 8 bytes of
// sha256(schemaVersion || sanitizedText || contextDigest || nonce), nonce a
// uuid v4 drawn once per envelope — opaque, never recomputed or parsed for
// meaning downstream.
func envelopeID(schemaVersion, sanitizedText, contextDigest string) string {
	nonce := uuid.NewString()
	sum := sha256.Sum256([]byte(schemaVersion + sanitizedText + contextDigest + nonce))
	return hex.EncodeToString(sum[:8])
}
