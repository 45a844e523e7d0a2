// Package eligibility is the Eligibility Gate (C7): the single choke
// point that computes convertEligible from a ReductionProvenance.
//
// I-FAILCLOSED-1: convertEligible ⇔ (sterlingProcessed ∧ isExecutable).
// If the semantic authority did not process the envelope, nothing is
// executable — even an explicit [GOAL: …] marker. There is exactly one
// function that may set convertEligible=true anywhere in this codebase;
// every caller goes through Decide.
//
// Grounded on internal/governance/constitutional.go's ValidateDecision:
// a pure bounds-check over a small struct, returning a typed result
// rather than a bare bool, plus a GetStats() counter side-channel for
// observability without coupling the pure check to metrics.
package eligibility

import (
	"sync"

	"github.com/conscious-bot/core/internal/corerr"
)

// Reasoning enumerates why a decision was reached (spec §3 EligibilityDecision).
type Reasoning string

const (
	ReasonSterlingExecutable    Reasoning = "sterling_executable"
	ReasonSterlingNotExecutable Reasoning = "sterling_not_executable"
	ReasonSterlingUnavailable   Reasoning = "sterling_unavailable"
	ReasonNoReduction           Reasoning = "no_reduction"
)

// Provenance is the C5 output this gate consumes. Opaque fields (ReducerResult)
// are carried but never destructured here (I-BOUNDARY-1).
type Provenance struct {
	SterlingProcessed bool
	EnvelopeID        string
	ReducerResult     any
	IsExecutable      bool
	BlockReason       string
	DurationMs        int64
	SterlingError     string
	// HadProvenance is false when C5 never ran at all (e.g. no reduction
	// client is wired) — distinct from SterlingProcessed=false,
	// which means C5 ran but the authority could not process it.
	HadProvenance bool
}

// Decision is the gate's pure output.
type Decision struct {
	ConvertEligible bool
	Derived         bool // always true; kept explicit per spec §3 shape
	Reasoning       Reasoning
}

// Gate is the C7 Eligibility Gate. Stateless except for the observability
// counters, matching constitutional.go's ValidateDecision (pure) + GetStats
// (side counter) split.
type Gate struct {
	mu          sync.Mutex
	decisions   uint64
	eligible    uint64
	ineligible  uint64
	invariantOK uint64
}

// New constructs a Gate.
func New() *Gate { return &Gate{} }

// Decide computes the EligibilityDecision for one Provenance. This is the
// only function in the codebase permitted to set ConvertEligible=true.
func (g *Gate) Decide(p Provenance) Decision {
	var d Decision
	d.Derived = true

	switch {
	case !p.HadProvenance:
		d.ConvertEligible = false
		d.Reasoning = ReasonNoReduction
	case !p.SterlingProcessed:
		d.ConvertEligible = false
		d.Reasoning = ReasonSterlingUnavailable
	case p.IsExecutable:
		d.ConvertEligible = true
		d.Reasoning = ReasonSterlingExecutable
	default:
		d.ConvertEligible = false
		d.Reasoning = ReasonSterlingNotExecutable
	}

	if err := g.AssertInvariant(p, d); err != nil {
		// Fail closed even on an internal contradiction: force ineligible,
		// the gate's own bug must never become a convertEligible=true.
		d.ConvertEligible = false
		d.Reasoning = ReasonSterlingUnavailable
	}

	g.mu.Lock()
	g.decisions++
	if d.ConvertEligible {
		g.eligible++
	} else {
		g.ineligible++
	}
	g.mu.Unlock()

	return d
}

// AssertInvariant is the runtime self-check for I-FAILCLOSED-1: it
// recomputes the expected eligibility directly from the provenance
// booleans and compares against d. A mismatch is an invariant_violation
// — the caller must never surface d unaltered if this returns an error.
func (g *Gate) AssertInvariant(p Provenance, d Decision) error {
	expected := p.HadProvenance && p.SterlingProcessed && p.IsExecutable
	if d.ConvertEligible != expected {
		return corerr.New(corerr.InvariantViolation, p.EnvelopeID,
			"convertEligible does not match sterlingProcessed && isExecutable")
	}

	g.mu.Lock()
	g.invariantOK++
	g.mu.Unlock()
	return nil
}

// Stats is the GetStats()-style observability snapshot.
type Stats struct {
	Decisions  uint64
	Eligible   uint64
	Ineligible uint64
}

// GetStats returns a snapshot of decision counters.
func (g *Gate) GetStats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Decisions: g.decisions, Eligible: g.eligible, Ineligible: g.ineligible}
}
