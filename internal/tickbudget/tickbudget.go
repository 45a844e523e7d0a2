// Package tickbudget is the Budget Enforcer & Degradation Manager (C4).
//
// Per-tick phase machine: Fresh → Warn (>=80% of mode deadline) → Preempt
// (>=100% plus the configured slack) → SafeMode (consecutive violations >= threshold). Adapted
// directly from internal/escalation/state_machine.go's monotonic
// Escalate/Decay pair on a mutex-guarded struct — six isolation levels
// collapsed to four tick phases, with "Escalate" becoming "advance within
// one tick" and "Decay" becoming "Safe Mode exit after N clean ticks"
// rather than per-level single-step decay (Safe Mode is binary, not a
// ladder).
package tickbudget

import (
	"sync"
	"time"

	"github.com/conscious-bot/core/internal/config"
)

// Phase is the per-tick enforcement phase.
type Phase uint8

const (
	PhaseFresh Phase = iota
	PhaseWarn
	PhasePreempt
	PhaseSafeMode
)

func (p Phase) String() string {
	switch p {
	case PhaseFresh:
		return "fresh"
	case PhaseWarn:
		return "warn"
	case PhasePreempt:
		return "preempt"
	case PhaseSafeMode:
		return "safemode"
	default:
		return "unknown"
	}
}

// Mode is the tick's declared deadline class.
type Mode string

const (
	ModeRoutine    Mode = "routine"
	ModeHazardous  Mode = "hazardous"
)

// SafeModeState is the current Safe Mode snapshot (spec §3).
type SafeModeState struct {
	Active       bool
	Reason       string
	EnteredAt    time.Time
	AllowedTiers []int
}

// Enforcer is the C4 Budget Enforcer & Degradation Manager. One instance
// per node, driven once per tick by the arbiter.
type Enforcer struct {
	loop     config.LoopConfig
	safemode config.SafemodeConfig

	mu                  sync.Mutex
	consecutiveViolated int
	consecutiveClean    int
	safeModeActive      bool
	safeModeReason      string
	safeModeEnteredAt   time.Time
}

// New constructs an Enforcer from the loop/safemode config sections.
func New(loop config.LoopConfig, safemode config.SafemodeConfig) *Enforcer {
	return &Enforcer{loop: loop, safemode: safemode}
}

// Deadline returns the hard budget for mode, without the slack; Evaluate
// adds the slack (spec P3: a tick is only a violation once elapsed reaches
// deadline+slack).
func (e *Enforcer) Deadline(mode Mode) time.Duration {
	if mode == ModeHazardous {
		return e.loop.Hazardous()
	}
	return e.loop.Routine()
}

// Evaluate returns the phase elapsed has reached against mode's deadline.
// Does not mutate Safe Mode state — call RecordTickOutcome once the tick
// concludes to drive Safe Mode entry/exit.
func (e *Enforcer) Evaluate(elapsed time.Duration, mode Mode) Phase {
	deadline := e.Deadline(mode)
	violationAt := deadline + e.loop.Slack()

	switch {
	case elapsed >= violationAt:
		return PhasePreempt
	case elapsed >= time.Duration(float64(deadline)*0.8):
		return PhaseWarn
	default:
		return PhaseFresh
	}
}

// RecordTickOutcome updates the consecutive violation/clean counters for
// one completed tick and applies Safe Mode entry/exit rules (I-BUDGET-1:
// "on overrun, Safe Mode activates before the next tick").
func (e *Enforcer) RecordTickOutcome(violated bool) SafeModeState {
	e.mu.Lock()
	defer e.mu.Unlock()

	if violated {
		e.consecutiveViolated++
		e.consecutiveClean = 0
		if !e.safeModeActive && e.consecutiveViolated >= e.safemode.Threshold {
			e.safeModeActive = true
			e.safeModeReason = "consecutive_budget_violations"
			e.safeModeEnteredAt = time.Now()
		}
	} else {
		e.consecutiveClean++
		e.consecutiveViolated = 0
		if e.safeModeActive && e.consecutiveClean >= e.safemode.Recovery {
			if e.safemode.RecoveryWindow() == 0 || time.Since(e.safeModeEnteredAt) >= e.safemode.RecoveryWindow() {
				e.safeModeActive = false
				e.safeModeReason = ""
				e.consecutiveClean = 0
			}
		}
	}

	return e.snapshotLocked()
}

// ForceSafeMode enters Safe Mode immediately with the given operator-
// supplied reason (internal/opctl force_safemode command).
func (e *Enforcer) ForceSafeMode(reason string) SafeModeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.safeModeActive = true
	e.safeModeReason = reason
	e.safeModeEnteredAt = time.Now()
	return e.snapshotLocked()
}

// ClearSafeMode exits Safe Mode immediately regardless of the recovery
// counters (internal/opctl clear_safemode command).
func (e *Enforcer) ClearSafeMode() SafeModeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.safeModeActive = false
	e.safeModeReason = ""
	e.consecutiveViolated = 0
	e.consecutiveClean = 0
	return e.snapshotLocked()
}

// State returns the current Safe Mode snapshot without mutating it.
func (e *Enforcer) State() SafeModeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Enforcer) snapshotLocked() SafeModeState {
	tiers := e.safemode.AllowedTiers
	if !e.safeModeActive {
		// Outside Safe Mode, every tier is dispatchable; AllowedTiers is
		// only meaningful while Active.
		tiers = []int{0, 1, 2, 3}
	}
	out := make([]int, len(tiers))
	copy(out, tiers)
	return SafeModeState{
		Active:       e.safeModeActive,
		Reason:       e.safeModeReason,
		EnteredAt:    e.safeModeEnteredAt,
		AllowedTiers: out,
	}
}

// TierAllowed reports whether tier may be dispatched under the current
// Safe Mode state.
func (e *Enforcer) TierAllowed(tier int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.safeModeActive {
		return true
	}
	for _, t := range e.safemode.AllowedTiers {
		if t == tier {
			return true
		}
	}
	return false
}
