// Package perfmon is the Performance Monitor (C3). It owns a bounded ring
// of LatencySample per module, computes exact nearest-rank P50/P95/P99 on
// demand, and emits BudgetWarning/BudgetViolation to its caller. It is
// never authoritative for cancellation — only the budget enforcer (C4)
// decides to preempt.
//
// Grounded on internal/observability/metrics.go's AnomalyScoreHistogram
// registration shape; unlike the histogram approximation there, percentiles
// here are computed exactly off the retained ring, because module counts
// and per-module sample counts are small enough that an O(n log n) sort on
// read is cheap and spec 4.3 asks for an exact computation as the default.
package perfmon

import (
	"sort"
	"sync"
	"time"

	"github.com/conscious-bot/core/internal/telemetry"
)

// Outcome is the terminal state of one module dispatch.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomePreempted Outcome = "preempted"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeErrored   Outcome = "errored"
)

// LatencySample is one recorded module dispatch (spec §3).
type LatencySample struct {
	ModuleID   string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
}

func (s LatencySample) duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }

// Percentiles holds the exact nearest-rank P50/P95/P99 for a module.
type Percentiles struct {
	P50, P95, P99 time.Duration
	SampleCount   int
}

// Warning is emitted when a module's latest sample crosses 80% of its
// declared budget without yet exceeding it.
type Warning struct {
	ModuleID string
	Latency  time.Duration
	BudgetMs int
}

// Violation is emitted when a module's latest sample exceeds its declared
// budget.
type Violation struct {
	ModuleID string
	Latency  time.Duration
	BudgetMs int
}

type moduleRing struct {
	mu      sync.Mutex
	samples []LatencySample
	cap     int
}

func (r *moduleRing) push(s LatencySample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	if len(r.samples) > r.cap {
		r.samples = r.samples[len(r.samples)-r.cap:]
	}
}

func (r *moduleRing) snapshot() []LatencySample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LatencySample, len(r.samples))
	copy(out, r.samples)
	return out
}

// Monitor is the C3 Performance Monitor. One Monitor per node, shared by
// every dispatched module.
type Monitor struct {
	ringCap int
	metrics *telemetry.Metrics

	mu    sync.Mutex
	rings map[string]*moduleRing
}

// New constructs a Monitor with the given per-module ring capacity
// (I-HISTORY-1: must be > 0, never grows unbounded).
func New(ringCap int, metrics *telemetry.Metrics) *Monitor {
	if ringCap <= 0 {
		ringCap = 256
	}
	return &Monitor{ringCap: ringCap, metrics: metrics, rings: make(map[string]*moduleRing)}
}

func (m *Monitor) ringFor(moduleID string) *moduleRing {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[moduleID]
	if !ok {
		r = &moduleRing{cap: m.ringCap}
		m.rings[moduleID] = r
	}
	return r
}

// Record appends a LatencySample and returns a BudgetWarning/BudgetViolation
// if the sample crosses the module's declared budget. budgetMs <= 0 means
// unbounded-soft (tier 3): never warns or violates.
func (m *Monitor) Record(s LatencySample, budgetMs int) (*Warning, *Violation) {
	m.ringFor(s.ModuleID).push(s)

	if m.metrics != nil {
		m.metrics.ModuleLatencySeconds.WithLabelValues(s.ModuleID).Observe(s.duration().Seconds())
	}

	if budgetMs <= 0 {
		return nil, nil
	}
	budget := time.Duration(budgetMs) * time.Millisecond
	latency := s.duration()

	if latency >= budget {
		if m.metrics != nil {
			m.metrics.BudgetViolationsByModuleTotal.WithLabelValues(s.ModuleID).Inc()
		}
		return nil, &Violation{ModuleID: s.ModuleID, Latency: latency, BudgetMs: budgetMs}
	}
	if latency.Seconds() >= 0.8*budget.Seconds() {
		if m.metrics != nil {
			m.metrics.BudgetWarningsTotal.WithLabelValues(s.ModuleID).Inc()
		}
		return &Warning{ModuleID: s.ModuleID, Latency: latency, BudgetMs: budgetMs}, nil
	}
	return nil, nil
}

// Percentiles computes the exact nearest-rank P50/P95/P99 for moduleID over
// its currently retained ring. Returns a zero-value Percentiles if no
// samples have been recorded.
func (m *Monitor) Percentiles(moduleID string) Percentiles {
	samples := m.ringFor(moduleID).snapshot()
	if len(samples) == 0 {
		return Percentiles{}
	}
	durations := make([]time.Duration, len(samples))
	for i, s := range samples {
		durations[i] = s.duration()
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	return Percentiles{
		P50:         nearestRank(durations, 0.50),
		P95:         nearestRank(durations, 0.95),
		P99:         nearestRank(durations, 0.99),
		SampleCount: len(durations),
	}
}

// nearestRank implements the standard nearest-rank percentile: rank =
// ceil(p * n), 1-indexed, clamped to [1, n].
func nearestRank(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	rank := int(p*float64(n) + 0.9999999)
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// RollingP95Over reports whether moduleID's current P95 exceeds budgetMs by
// at least factor (spec 4.4 degradation policy: "P95 over a rolling window
// exceeds its declared budget by a configured factor").
func (m *Monitor) RollingP95Over(moduleID string, budgetMs int, factor float64) bool {
	if budgetMs <= 0 {
		return false
	}
	p := m.Percentiles(moduleID)
	if p.SampleCount == 0 {
		return false
	}
	threshold := time.Duration(float64(budgetMs)*factor) * time.Millisecond
	return p.P95 > threshold
}
