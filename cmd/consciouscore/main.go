// Package main — cmd/consciouscore/main.go
//
// Cognitive core agent entrypoint.
//
// Startup sequence:
//  1. Parse flags, load and validate config from /etc/conscious-core/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the bbolt audit ledger; prune stale entries.
//  4. Load the latency-profile.json bootstrap file.
//  5. Start Prometheus metrics + /healthz server.
//  6. Initialise OpenTelemetry tracing.
//  7. Construct the event bus, module registry (with built-in demo modules),
//     signal processor, performance monitor, budget enforcer.
//  8. Dial the semantic reduction authority (if configured) and construct
//     the reduction client + eligibility gate.
//  9. Construct the arbiter and the keep-alive controller.
// 10. Start the operator control socket (if enabled).
// 11. Run the tick loop until a shutdown signal arrives.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to every goroutine).
//  2. Stop accepting new ticks; let the in-flight tick finish.
//  3. Save the latency-profile.json snapshot.
//  4. Close the reduction client, the ledger, flush the logger.
//  5. Exit 0.
//
// On config validation failure: exit 64 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/conscious-bot/core/internal/arbiter"
	"github.com/conscious-bot/core/internal/bus"
	"github.com/conscious-bot/core/internal/clock"
	"github.com/conscious-bot/core/internal/config"
	"github.com/conscious-bot/core/internal/keepalive"
	"github.com/conscious-bot/core/internal/opctl"
	"github.com/conscious-bot/core/internal/perfmon"
	reductionclient "github.com/conscious-bot/core/internal/reduction/client"
	"github.com/conscious-bot/core/internal/reduction/eligibility"
	"github.com/conscious-bot/core/internal/registry"
	"github.com/conscious-bot/core/internal/signalproc"
	"github.com/conscious-bot/core/internal/storage"
	"github.com/conscious-bot/core/internal/telemetry"
	"github.com/conscious-bot/core/internal/tickbudget"
)

func main() {
	// ── Flags ────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/conscious-core/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("consciouscore %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(64)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────
	log, err := buildLogger(cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("conscious core starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open audit ledger ─────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.LedgerPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("ledger open failed", zap.Error(err), zap.String("path", cfg.Storage.LedgerPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("audit ledger opened", zap.String("path", cfg.Storage.LedgerPath))

	pruned, err := db.PruneOldLedgerEntries()
	if err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else {
		log.Info("ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Step 4: Load latency profile ──────────────────────────────────────
	profile, err := storage.LoadLatencyProfile(cfg.Storage.LatencyProfilePath)
	if err != nil {
		log.Warn("latency profile load failed, starting cold", zap.Error(err))
		profile = storage.LatencyProfile{Modules: map[string]storage.ModuleLatencies{}}
	}
	log.Info("latency profile loaded", zap.Int("modules", len(profile.Modules)))

	// ── Step 5: Metrics + healthz ─────────────────────────────────────────
	metrics := telemetry.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Telemetry.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Telemetry.MetricsAddr))

	// ── Step 6: Tracing ────────────────────────────────────────────────────
	if cfg.Telemetry.TraceExporter == "stdout" {
		shutdownTracing, err := telemetry.InitTracing("conscious-core")
		if err != nil {
			log.Warn("tracing init failed, continuing without spans", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(shutdownCtx)
			}()
		}
	}

	// ── Step 7: Core collaborators ─────────────────────────────────────────
	eventBus := bus.New(bus.DefaultTopics(cfg.Bus.TopicCapacity), func(topic bus.Topic, reason string) {
		metrics.BusDroppedTotal.WithLabelValues(string(topic), reason).Inc()
	})

	reg := registry.New(log)
	registerDemoModules(reg)

	signals := signalproc.New(cfg.Signals, log)
	monitor := perfmon.New(256, metrics)
	enforcer := tickbudget.New(cfg.Loop, cfg.Safemode)

	// ── Step 8: Reduction client + eligibility gate ─────────────────────────
	var transport reductionclient.Transport
	if cfg.Reduction.Target != "" {
		transport, err = reductionclient.NewGRPCTransport(cfg.Reduction.Target)
		if err != nil {
			log.Warn("reduction transport dial failed, running fail-closed", zap.Error(err))
			transport = nil
		}
	}
	reductionClient := reductionclient.New(cfg.Reduction, transport, log, metrics)
	defer reductionClient.Close() //nolint:errcheck
	gate := eligibility.New()

	// ── Step 9: Arbiter + keep-alive ─────────────────────────────────────────
	emitter := telemetry.NewEmitter(log, config.SanitizerVersion)

	a := arbiter.New(reg, enforcer, monitor, signals, clock.NewReal(), reductionClient, gate,
		eventBus, metrics, log, config.SanitizerVersion, cfg.Signals.Rules)
	a.SetEmitter(emitter)
	reductionClient.SetEmitter(emitter)

	keepaliveLimiter := tickbudget.NewBucket(cfg.Keepalive.MaxPerMinute, time.Minute)
	defer keepaliveLimiter.Close()
	kac := keepalive.New(cfg.Keepalive, keepaliveLimiter, arbiter.NewKeepaliveReducer(a), log, metrics)
	kac.SetEmitter(emitter)

	// ── Step 10: Operator control socket ──────────────────────────────────
	if cfg.Opctl.Enabled {
		opSrv := opctl.New(cfg.Opctl.SocketPath, reg, enforcer, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("opctl server error", zap.Error(err))
			}
		}()
		log.Info("opctl socket listening", zap.String("path", cfg.Opctl.SocketPath))
	}

	// ── Step 11: Tick loop ───────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	keepaliveTicker := time.NewTicker(cfg.Keepalive.BaseInterval())
	defer keepaliveTicker.Stop()

runLoop:
	for {
		select {
		case sig := <-sigCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			break runLoop
		case now := <-ticker.C:
			out := a.Tick(ctx, now)
			entry := storage.LedgerEntry{
				TickID: out.TickID, NeedKind: out.SelectedNeed,
				DispatchedID: out.DispatchedID, DispatchedTier: int(out.DispatchedTier),
				Mode: string(out.Mode), Phase: out.Phase.String(),
				ConvertEligible: out.ConvertEligible, Reasoning: string(out.Reasoning),
				SafeModeActive: enforcer.State().Active, NodeID: cfg.NodeID,
			}
			if err := db.AppendLedger(entry); err != nil {
				log.Error("ledger write failed", zap.Error(err))
			}
		case now := <-keepaliveTicker.C:
			_, _ = kac.Tick(ctx, keepalive.Snapshot{Now: now})
		}
	}

	cancel()

	if err := storage.SaveLatencyProfile(cfg.Storage.LatencyProfilePath, snapshotProfile(reg, monitor)); err != nil {
		log.Warn("latency profile save failed", zap.Error(err))
	}

	log.Info("conscious core shutdown complete")
}

// registerDemoModules registers the built-in modules every fresh node
// starts with — a minimal, always-available fallback ladder so the
// arbiter has one candidate in each of tiers 0-2 (none in tier 3). A production
// deployment replaces these via its own module-loading mechanism; this
// core itself is agnostic to where a module's Runner comes from.
func registerDemoModules(reg *registry.Registry) {
	reg.Register(registry.RegisterOpts{
		ID: "reflex.survival", Tier: registry.TierReflex, DeclaredLatencyBudgetMs: 10,
		Capabilities: []registry.Capability{"survival", "combat"},
		Runner:       noopRunner{text: "[GOAL: retreat to safety]"},
	})
	reg.Register(registry.RegisterOpts{
		ID: "reactive.planner", Tier: registry.TierReactive, DeclaredLatencyBudgetMs: 50,
		Capabilities: []registry.Capability{"planning"},
		Runner:       noopRunner{text: "I should address the hunger signal."},
	})
	reg.Register(registry.RegisterOpts{
		ID: "hierarchical.dialogue", Tier: registry.TierHierarchical, DeclaredLatencyBudgetMs: 200,
		Capabilities: []registry.Capability{"dialogue"},
		Runner:       noopRunner{text: "Let me check in with the nearby player."},
	})
}

// noopRunner is a placeholder Runner returning a fixed utterance — stands
// in for a real cognitive module until one is wired.
type noopRunner struct{ text string }

func (n noopRunner) Run(ctx interface {
	Done() <-chan struct{}
	Err() error
}) (registry.CandidateUtterance, error) {
	return registry.CandidateUtterance{RawText: n.text, GeneratedAt: time.Now()}, nil
}

func snapshotProfile(reg *registry.Registry, monitor *perfmon.Monitor) storage.LatencyProfile {
	p := storage.LatencyProfile{Modules: map[string]storage.ModuleLatencies{}}
	for _, e := range reg.All() {
		pct := monitor.Percentiles(e.ID)
		p.Modules[e.ID] = storage.ModuleLatencies{
			P50Ms: float64(pct.P50.Milliseconds()),
			P95Ms: float64(pct.P95.Milliseconds()),
			P99Ms: float64(pct.P99.Milliseconds()),
			N:     pct.SampleCount,
		}
	}
	return p
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
