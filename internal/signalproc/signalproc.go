// Package signalproc is the homeostatic Signal Processor (C2).
//
// ingest is O(1): clip, smooth, and push onto the bounded per-kind trend
// ring. derive is O(#kinds): compare short/long window means for trend
// classification and apply each kind's declarative NeedRule with
// hysteresis, mirroring escalation.Accumulator's EWMA update generalized
// from one PID to one SignalKind, and escalation.ProcessState's
// mutex-guarded per-entity ownership.
//
// Determinism: derive never reads wall-clock time except the now the
// caller supplies, and signals of the same kind are folded in arrival
// order — the same input stream always yields the same Need sequence.
package signalproc

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/config"
	"github.com/conscious-bot/core/internal/corerr"
)

// Trend classifies the short-vs-long window comparison.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendStable  Trend = "stable"
	TrendFalling Trend = "falling"
)

// Signal is the immutable input record (spec §3).
type Signal struct {
	Kind      string
	Intensity float64
	Source    string
	Timestamp time.Time
}

// SignalRef is the evidence pointer a Need carries back to its inputs.
type SignalRef struct {
	Kind      string
	Source    string
	Timestamp time.Time
}

// Need is the derived output of one tick's derive() call.
type Need struct {
	Kind        string
	Urgency     float64
	Trend       Trend
	GeneratedAt time.Time
	Evidence    []SignalRef
}

// kindState is the per-SignalKind bounded ring plus hysteresis latch.
// One instance per kind, mutex-guarded independently — never a single
// lock across all kinds, so ingest of unrelated kinds never contends.
type kindState struct {
	mu      sync.Mutex
	ring    []float64
	refs    []SignalRef
	cap     int
	active  bool // hysteresis latch: true once a need has triggered and not yet fallen below hysteresisLow
	smooth  float64
	hasEWMA bool
}

func (k *kindState) push(v float64, ref SignalRef, cap int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ring = append(k.ring, v)
	k.refs = append(k.refs, ref)
	if len(k.ring) > cap {
		over := len(k.ring) - cap
		k.ring = k.ring[over:]
		k.refs = k.refs[over:]
	}
}

func (k *kindState) snapshot() ([]float64, []SignalRef) {
	k.mu.Lock()
	defer k.mu.Unlock()
	vals := make([]float64, len(k.ring))
	copy(vals, k.ring)
	refs := make([]SignalRef, len(k.refs))
	copy(refs, k.refs)
	return vals, refs
}

// Processor is the C2 Signal Processor. One Processor per node.
type Processor struct {
	cfg    config.SignalsConfig
	log    *zap.Logger
	mu     sync.Mutex
	kinds  map[string]*kindState
	unkMu  sync.Mutex
	unknwn map[string]int // unknown kinds seen, recorded not errored
}

// New constructs a Processor from the signals config section.
func New(cfg config.SignalsConfig, log *zap.Logger) *Processor {
	return &Processor{
		cfg:    cfg,
		log:    log,
		kinds:  make(map[string]*kindState),
		unknwn: make(map[string]int),
	}
}

func (p *Processor) stateFor(kind string) *kindState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ks, ok := p.kinds[kind]
	if !ok {
		ks = &kindState{cap: p.cfg.TrendWindow}
		p.kinds[kind] = ks
	}
	return ks
}

// Ingest records one Signal. O(1). Rejects NaN/Inf intensity as
// corerr.InvalidSignal; unknown kinds are recorded and ignored, never
// an error (spec 4.2).
func (p *Processor) Ingest(s Signal) error {
	if math.IsNaN(s.Intensity) || math.IsInf(s.Intensity, 0) {
		return corerr.New(corerr.InvalidSignal, "", "signal intensity is NaN or Inf: kind="+s.Kind)
	}

	rule, known := p.cfg.Rules[s.Kind]
	if !known {
		p.unkMu.Lock()
		p.unknwn[s.Kind]++
		p.unkMu.Unlock()
		if p.log != nil {
			p.log.Debug("signal of unregistered kind recorded and ignored", zap.String("kind", s.Kind))
		}
		return nil
	}

	clamp := rule.Clamp
	if clamp <= 0 {
		clamp = 1.0
	}
	v := s.Intensity
	if v < 0 {
		v = 0
	}
	if v > clamp {
		v = clamp
	}

	ks := p.stateFor(s.Kind)
	if rule.Smoothing > 0 {
		ks.mu.Lock()
		if !ks.hasEWMA {
			ks.smooth = v
			ks.hasEWMA = true
		} else {
			ks.smooth = rule.Smoothing*ks.smooth + (1-rule.Smoothing)*v
		}
		v = ks.smooth
		ks.mu.Unlock()
	}

	ks.push(v, SignalRef{Kind: s.Kind, Source: s.Source, Timestamp: s.Timestamp}, p.cfg.TrendWindow)
	return nil
}

// Derive computes the current Need list. O(#kinds).
func (p *Processor) Derive(now time.Time) []Need {
	p.mu.Lock()
	kinds := make([]string, 0, len(p.kinds))
	states := make(map[string]*kindState, len(p.kinds))
	for k, st := range p.kinds {
		kinds = append(kinds, k)
		states[k] = st
	}
	p.mu.Unlock()

	// Stable kind ordering keeps Derive deterministic across runs.
	sortStrings(kinds)

	needs := make([]Need, 0, len(kinds))
	for _, kind := range kinds {
		rule, known := p.cfg.Rules[kind]
		if !known {
			continue
		}
		st := states[kind]
		vals, refs := st.snapshot()
		if len(vals) == 0 {
			continue
		}

		latest := vals[len(vals)-1]
		trend := classifyTrend(vals, p.cfg.TrendShortWindow, p.cfg.TrendLongWindow)

		st.mu.Lock()
		active := st.active
		if !active && latest >= rule.TriggerIntensity {
			active = true
		} else if active && latest < rule.HysteresisLow {
			active = false
		}
		st.active = active
		st.mu.Unlock()

		if !active {
			continue
		}

		urgency := rule.BaseUrgency
		if trend == TrendRising {
			urgency += rule.TrendBoost
		}
		if urgency > 1 {
			urgency = 1
		}
		if urgency < 0 {
			urgency = 0
		}

		evidence := refs
		if len(evidence) > 8 {
			evidence = evidence[len(evidence)-8:]
		}

		needs = append(needs, Need{
			Kind:        kind,
			Urgency:     urgency,
			Trend:       trend,
			GeneratedAt: now,
			Evidence:    evidence,
		})
	}
	return needs
}

func classifyTrend(vals []float64, shortW, longW int) Trend {
	if shortW < 1 {
		shortW = 1
	}
	if longW < shortW {
		longW = shortW
	}
	shortMean := meanOfLast(vals, shortW)
	longMean := meanOfLast(vals, longW)

	const epsilon = 1e-6
	switch {
	case shortMean > longMean+epsilon:
		return TrendRising
	case shortMean < longMean-epsilon:
		return TrendFalling
	default:
		return TrendStable
	}
}

func meanOfLast(vals []float64, n int) float64 {
	if n > len(vals) {
		n = len(vals)
	}
	if n == 0 {
		return 0
	}
	start := len(vals) - n
	sum := 0.0
	for _, v := range vals[start:] {
		sum += v
	}
	return sum / float64(n)
}

// sortStrings is a tiny insertion sort; the kind-set is always small
// (single-digit cardinality) so this avoids importing sort for one call site.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
