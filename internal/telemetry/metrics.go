// Package telemetry is the Telemetry Emitter (C11): the Prometheus metrics
// registry shared by every other component, plus structured-event emission
// and OpenTelemetry tracing (see events.go, tracing.go).
//
// Metric naming convention: consciouscore_<subsystem>_<name>_<unit>. All
// metrics are registered on a dedicated prometheus.Registry, never the
// default global one, matching internal/observability/metrics.go. One
// Metrics value is constructed at startup and passed by pointer to every
// component that needs to record — mirrors kernel.Processor and every other
// teacher component taking a *observability.Metrics constructor argument.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor for the cognitive core.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Tick loop / arbiter (C9) ────────────────────────────────────────

	TicksTotal           *prometheus.CounterVec // label: mode (routine, hazardous)
	TickDurationSeconds  *prometheus.HistogramVec
	TickBudgetViolations prometheus.Counter
	SafeModeActive       prometheus.Gauge

	// ─── Signal processor (C2) ───────────────────────────────────────────

	SignalsIngestedTotal  *prometheus.CounterVec // label: kind
	SignalsRejectedTotal  prometheus.Counter
	NeedsActiveGauge      *prometheus.GaugeVec // label: kind

	// ─── Performance monitor (C3) ─────────────────────────────────────────

	ModuleLatencySeconds *prometheus.HistogramVec // label: module_id
	BudgetWarningsTotal  *prometheus.CounterVec   // label: module_id
	BudgetViolationsByModuleTotal *prometheus.CounterVec

	// ─── Reduction client (C5/C6/C7) ─────────────────────────────────────

	ReductionCallsTotal    *prometheus.CounterVec // label: outcome
	ReductionLatencySeconds prometheus.Histogram
	CircuitStateGauge      prometheus.Gauge // 0=closed 1=half-open 2=open
	EligibilityDecisionsTotal *prometheus.CounterVec // label: reasoning

	// ─── Registry (C8) ────────────────────────────────────────────────────

	ModulesDegradedGauge prometheus.Gauge

	// ─── Event bus (C10) ──────────────────────────────────────────────────

	BusEnqueuedTotal *prometheus.CounterVec // label: topic
	BusDroppedTotal  *prometheus.CounterVec // label: topic, reason

	// ─── Keep-alive (C12) ─────────────────────────────────────────────────

	KeepaliveTicksTotal       prometheus.Counter
	KeepaliveSkippedNotIdle   prometheus.Counter
	KeepaliveViolationsTotal  prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────

	LedgerWriteLatencySeconds prometheus.Histogram
	LedgerEntriesGauge        prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers every metric on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	const ns = "consciouscore"

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "arbiter", Name: "ticks_total",
			Help: "Total arbiter ticks executed, by mode.",
		}, []string{"mode"}),

		TickDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "arbiter", Name: "tick_duration_seconds",
			Help:    "Tick wall-clock duration in seconds, by mode.",
			Buckets: []float64{.002, .005, .01, .02, .05, .1, .2, .3, .5},
		}, []string{"mode"}),

		TickBudgetViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "arbiter", Name: "budget_violations_total",
			Help: "Total ticks that exceeded their mode deadline.",
		}),

		SafeModeActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "arbiter", Name: "safemode_active",
			Help: "1 if Safe Mode is currently active, else 0.",
		}),

		SignalsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "signals", Name: "ingested_total",
			Help: "Total signals ingested, by kind.",
		}, []string{"kind"}),

		SignalsRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "signals", Name: "rejected_total",
			Help: "Total signals rejected for NaN/Inf intensity.",
		}),

		NeedsActiveGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "signals", Name: "needs_active",
			Help: "1 if a need of this kind is currently active (hysteresis latch), else 0.",
		}, []string{"kind"}),

		ModuleLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "perfmon", Name: "module_latency_seconds",
			Help:    "Per-module dispatch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"module_id"}),

		BudgetWarningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "perfmon", Name: "budget_warnings_total",
			Help: "Total BudgetWarning events, by module.",
		}, []string{"module_id"}),

		BudgetViolationsByModuleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "perfmon", Name: "budget_violations_total",
			Help: "Total BudgetViolation events, by module.",
		}, []string{"module_id"}),

		ReductionCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "reduction", Name: "calls_total",
			Help: "Total reduce() calls, by outcome (ok, timeout, circuit_open, error).",
		}, []string{"outcome"}),

		ReductionLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "reduction", Name: "latency_seconds",
			Help:    "reduce() call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CircuitStateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "reduction", Name: "circuit_state",
			Help: "Reduction circuit breaker state: 0=closed 1=half-open 2=open.",
		}),

		EligibilityDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "reduction", Name: "eligibility_decisions_total",
			Help: "Total eligibility decisions, by reasoning.",
		}, []string{"reasoning"}),

		ModulesDegradedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "registry", Name: "modules_degraded",
			Help: "Current number of modules in the degraded state.",
		}),

		BusEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "bus", Name: "enqueued_total",
			Help: "Total messages enqueued, by topic.",
		}, []string{"topic"}),

		BusDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "bus", Name: "dropped_total",
			Help: "Total messages dropped, by topic and reason.",
		}, []string{"topic", "reason"}),

		KeepaliveTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "keepalive", Name: "ticks_total",
			Help: "Total keep-alive ticks emitted.",
		}),

		KeepaliveSkippedNotIdle: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "keepalive", Name: "skipped_not_idle_total",
			Help: "Total keep-alive evaluations skipped because the bot was not idle.",
		}),

		KeepaliveViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "keepalive", Name: "violations_total",
			Help: "Total keep-alive rate-limit violations.",
		}),

		LedgerWriteLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "storage", Name: "ledger_write_latency_seconds",
			Help:    "bbolt ledger write transaction latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		LedgerEntriesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "storage", Name: "ledger_entries",
			Help: "Current number of audit ledger entries.",
		}),
	}

	reg.MustRegister(
		m.TicksTotal, m.TickDurationSeconds, m.TickBudgetViolations, m.SafeModeActive,
		m.SignalsIngestedTotal, m.SignalsRejectedTotal, m.NeedsActiveGauge,
		m.ModuleLatencySeconds, m.BudgetWarningsTotal, m.BudgetViolationsByModuleTotal,
		m.ReductionCallsTotal, m.ReductionLatencySeconds, m.CircuitStateGauge, m.EligibilityDecisionsTotal,
		m.ModulesDegradedGauge,
		m.BusEnqueuedTotal, m.BusDroppedTotal,
		m.KeepaliveTicksTotal, m.KeepaliveSkippedNotIdle, m.KeepaliveViolationsTotal,
		m.LedgerWriteLatencySeconds, m.LedgerEntriesGauge,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus + health HTTP server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Uptime returns wall-clock time since NewMetrics was called.
func (m *Metrics) Uptime() time.Duration { return time.Since(m.startTime) }
