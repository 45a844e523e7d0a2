// Package bench — latency/main.go
//
// Arbiter dispatch-loop latency measurement tool.
//
// Measures wall-clock time from Tick() entry to return for a single
// always-idle reflex module, across many iterations, using
// time.Now()/time.Since() bracketing the call — no kernel instrumentation
// is involved, unlike the teacher's syscall-level measurement, since this
// core has no BPF surface to measure against.
//
// Output CSV columns:
//   iteration, latency_us
//
// Exit 1 if the measured p99 exceeds the tier-0 budget's declared ceiling
// (spec §4.8's 10ms reflex budget, read from config.RegistryConfig).
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/arbiter"
	"github.com/conscious-bot/core/internal/bus"
	"github.com/conscious-bot/core/internal/clock"
	"github.com/conscious-bot/core/internal/config"
	"github.com/conscious-bot/core/internal/perfmon"
	"github.com/conscious-bot/core/internal/reduction/eligibility"
	"github.com/conscious-bot/core/internal/registry"
	"github.com/conscious-bot/core/internal/signalproc"
	"github.com/conscious-bot/core/internal/telemetry"
	"github.com/conscious-bot/core/internal/tickbudget"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of ticks to measure")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us"})

	cfg := config.Defaults()
	log := zap.NewNop()
	metrics := telemetry.NewMetrics()

	reg := registry.New(log)
	reg.Register(registry.RegisterOpts{
		ID: "reflex.bench", Tier: registry.TierReflex, DeclaredLatencyBudgetMs: cfg.Registry.TierBudgetMs[0],
		Capabilities: []registry.Capability{"survival", "combat"},
		Runner:       benchRunner{},
	})

	enforcer := tickbudget.New(cfg.Loop, cfg.Safemode)
	monitor := perfmon.New(*iterations, metrics)
	signals := signalproc.New(cfg.Signals, log)
	gate := eligibility.New()
	eventBus := bus.New(bus.DefaultTopics(cfg.Bus.TopicCapacity), nil)

	a := arbiter.New(reg, enforcer, monitor, signals, clock.NewReal(), nil, gate, eventBus, metrics,
		log, "bench-v1", cfg.Signals.Rules)

	ctx := context.Background()
	latenciesUs := make([]int, *iterations)

	for i := 0; i < *iterations; i++ {
		now := time.Now()
		_ = signals.Ingest(signalproc.Signal{Kind: "safety", Intensity: 0.8, Timestamp: now})

		start := time.Now()
		a.Tick(ctx, now)
		latency := time.Since(start)

		latenciesUs[i] = int(latency.Microseconds())
		_ = w.Write([]string{strconv.Itoa(i), strconv.Itoa(latenciesUs[i])})

		// Reset the module to Idle for the next iteration — the benchmark
		// measures steady-state dispatch cost, not the abandonment path.
		if e := reg.Get("reflex.bench"); e != nil && e.Current() != registry.StateIdle {
			_ = e.Transition(registry.StateIdle)
		}
	}

	p50, p95, p99 := computePercentiles(latenciesUs)

	fmt.Printf("Arbiter Dispatch Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dµs\n", p50)
	fmt.Printf("  p95: %dµs\n", p95)
	fmt.Printf("  p99: %dµs\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	budgetUs := cfg.Registry.TierBudgetMs[0] * 1000
	if p99 > budgetUs {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dµs exceeds reflex tier budget %dµs\n", p99, budgetUs)
		os.Exit(1)
	}
}

// benchRunner returns immediately with a fixed utterance — isolates the
// measurement to the arbiter's own scheduling overhead rather than any
// real module's work.
type benchRunner struct{}

func (benchRunner) Run(ctx interface {
	Done() <-chan struct{}
	Err() error
}) (registry.CandidateUtterance, error) {
	return registry.CandidateUtterance{RawText: "bench", GeneratedAt: time.Now()}, nil
}

func computePercentiles(latenciesUs []int) (p50, p95, p99 int) {
	sorted := make([]int, len(latenciesUs))
	copy(sorted, latenciesUs)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	rank := func(p float64) int {
		if len(sorted) == 0 {
			return 0
		}
		idx := int(p*float64(len(sorted))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return rank(0.50), rank(0.95), rank(0.99)
}
