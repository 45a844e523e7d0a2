// Package registry is the Module Registry & Tiering component (C8).
//
// Registers cognitive modules by id and tier (0 Reflex ≤10ms, 1 Reactive
// ≤50ms, 2 Hierarchical ≤200ms, 3 Deliberative unbounded-soft), tracks
// each module's declared capabilities, and owns the per-module state
// machine the arbiter (C9) drives.
//
// The state machine is adapted from internal/escalation/state_machine.go's
// ProcessState: per-key mutex-guarded struct, Current()/TimeInState()
// accessors, monotonic time only. Unlike the teacher's escalation ladder —
// which only ever goes up (Escalate) or down one step (Decay) — a module's
// state here is cyclic: the arbiter returns Completed/Preempted/Errored to
// Idle for the next tick and moves TimedOut to Degraded. Escalate/Decay are
// replaced by a single Transition call validated against an explicit table.
package registry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/corerr"
)

// Tier is the cognitive tier a module is registered under.
type Tier int

const (
	TierReflex        Tier = 0
	TierReactive      Tier = 1
	TierHierarchical  Tier = 2
	TierDeliberative  Tier = 3
)

// Capability is a symbolic token a module declares it can satisfy; the
// arbiter matches a need's required capabilities against a module's set.
type Capability string

// State is a module's current lifecycle state.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StatePreempted
	StateErrored
	StateTimedOut
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StatePreempted:
		return "preempted"
	case StateErrored:
		return "errored"
	case StateTimedOut:
		return "timed_out"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// validNextStates enumerates the transition table. A module's own
// Transition call only succeeds if the target appears in this table for
// its current state.
var validNextStates = map[State][]State{
	StateIdle:      {StateRunning, StateDegraded},
	StateRunning:   {StateCompleted, StatePreempted, StateErrored, StateTimedOut, StateDegraded},
	StateCompleted: {StateIdle, StateDegraded},
	StatePreempted: {StateIdle, StateDegraded},
	StateErrored:   {StateIdle, StateDegraded},
	StateTimedOut:  {StateIdle, StateDegraded},
	StateDegraded:  {StateIdle},
}

// CandidateUtterance is the output of a module run (spec §3 Task/Thought/
// CandidateUtterance). Never carries semantic interpretation.
type CandidateUtterance struct {
	ID             string
	SourceModuleID string
	RawText        string
	Markers        []string
	GeneratedAt    time.Time
}

// Runner is implemented by a cognitive module. ctx carries the dispatch
// deadline (internal/clock.Token); Run must select on ctx.Done() at its
// own checkpoints — a module that never checks is abandoned by the
// caller, not killed.
type Runner interface {
	Run(ctx contextLike) (CandidateUtterance, error)
}

// contextLike is the minimal surface Runner needs from a clock.Token,
// declared locally to avoid importing internal/clock just for this
// interface's signature (registry has no other dependency on it).
type contextLike interface {
	Done() <-chan struct{}
	Err() error
}

// Entry is one registered module's static descriptor plus its live state.
type Entry struct {
	ID                     string
	Tier                   Tier
	DeclaredLatencyBudgetMs int
	Capabilities           map[Capability]struct{}
	Runner                 Runner

	mu            sync.Mutex
	current       State
	enteredAt     time.Time
	effectiveTier Tier // may be downgraded by C4's degradation policy
}

// Current returns the module's current lifecycle state.
func (e *Entry) Current() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// TimeInState returns how long the module has been in its current state.
func (e *Entry) TimeInState() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.enteredAt)
}

// EffectiveTier returns the tier the module is currently dispatchable
// under — equal to Tier unless a degradation downgrade is active.
func (e *Entry) EffectiveTier() Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effectiveTier
}

// Downgrade temporarily restricts the module to hazardous-ineligible
// dispatch by lowering its effective tier priority (spec 4.4: "its tier
// is temporarily downgraded ... it won't be dispatched on hazardous
// ticks"). Downgrading never changes the module's declared Tier.
func (e *Entry) Downgrade() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.effectiveTier < TierDeliberative {
		e.effectiveTier = TierDeliberative
	}
}

// RestoreTier clears any active downgrade.
func (e *Entry) RestoreTier() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.effectiveTier = e.Tier
}

// HasCapabilities reports whether the entry declares every capability in required.
func (e *Entry) HasCapabilities(required []Capability) bool {
	for _, r := range required {
		if _, ok := e.Capabilities[r]; !ok {
			return false
		}
	}
	return true
}

// Transition attempts to move the module to target. Returns an error if
// the transition is not in the valid-next-states table for the current
// state.
func (e *Entry) Transition(target State) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, allowed := range validNextStates[e.current] {
		if allowed == target {
			e.current = target
			e.enteredAt = time.Now()
			return nil
		}
	}
	return corerr.New(corerr.ModuleError, e.ID,
		fmt.Sprintf("invalid state transition %s -> %s", e.current, target))
}

// Registry owns every registered module, keyed by ID.
type Registry struct {
	log *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New constructs an empty Registry.
func New(log *zap.Logger) *Registry {
	return &Registry{log: log, entries: make(map[string]*Entry)}
}

// RegisterOpts describes a module at registration time.
type RegisterOpts struct {
	ID                      string
	Tier                    Tier
	DeclaredLatencyBudgetMs int
	Capabilities            []Capability
	Runner                  Runner
}

// Register adds a module to the registry in the Idle state. Registering
// an ID that already exists replaces the prior entry — used by the
// simulation harness and tests, never by steady-state production wiring.
func (r *Registry) Register(opts RegisterOpts) *Entry {
	caps := make(map[Capability]struct{}, len(opts.Capabilities))
	for _, c := range opts.Capabilities {
		caps[c] = struct{}{}
	}
	e := &Entry{
		ID:                      opts.ID,
		Tier:                    opts.Tier,
		DeclaredLatencyBudgetMs: opts.DeclaredLatencyBudgetMs,
		Capabilities:            caps,
		Runner:                  opts.Runner,
		current:                 StateIdle,
		enteredAt:               time.Now(),
		effectiveTier:           opts.Tier,
	}

	r.mu.Lock()
	r.entries[opts.ID] = e
	r.mu.Unlock()

	if r.log != nil {
		r.log.Info("module registered", zap.String("module_id", opts.ID), zap.Int("tier", int(opts.Tier)))
	}
	return e
}

// Get returns the entry for id, or nil if unregistered.
func (r *Registry) Get(id string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// ForTier returns every non-degraded module whose effective tier equals
// tier, in a stable (registration-order-independent, ID-sorted) order so
// candidate selection is deterministic.
func (r *Registry) ForTier(tier Tier) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, e := range r.entries {
		if e.EffectiveTier() == tier && e.Current() != StateDegraded {
			out = append(out, e)
		}
	}
	sortEntriesByID(out)
	return out
}

// CandidatesForNeed returns every idle, non-degraded module at tier whose
// capability set satisfies required — the arbiter's tier/capability
// mapping step (spec 4.8: "the arbiter maps a need → tier/capabilities
// required").
func (r *Registry) CandidatesForNeed(tier Tier, required []Capability) []*Entry {
	var out []*Entry
	for _, e := range r.ForTier(tier) {
		if e.Current() == StateIdle && e.HasCapabilities(required) {
			out = append(out, e)
		}
	}
	return out
}

// All returns every registered entry, ID-sorted, regardless of state —
// used by the operator control surface's list command.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sortEntriesByID(out)
	return out
}

// DegradedCount returns how many modules are currently in the Degraded state.
func (r *Registry) DegradedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.Current() == StateDegraded {
			n++
		}
	}
	return n
}

func sortEntriesByID(entries []*Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].ID > entries[j].ID; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}
