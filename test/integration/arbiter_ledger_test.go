// Package integration_test exercises the tick pipeline across package
// boundaries: signal ingestion through the arbiter's dispatch/reduction
// path, with outcomes persisted to the hash-chained audit ledger.
package integration_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/arbiter"
	"github.com/conscious-bot/core/internal/bus"
	"github.com/conscious-bot/core/internal/clock"
	"github.com/conscious-bot/core/internal/config"
	"github.com/conscious-bot/core/internal/perfmon"
	reductionclient "github.com/conscious-bot/core/internal/reduction/client"
	"github.com/conscious-bot/core/internal/reduction/eligibility"
	"github.com/conscious-bot/core/internal/registry"
	"github.com/conscious-bot/core/internal/signalproc"
	"github.com/conscious-bot/core/internal/storage"
	"github.com/conscious-bot/core/internal/telemetry"
	"github.com/conscious-bot/core/internal/tickbudget"
)

// fixedRunner always returns the configured utterance.
type fixedRunner struct{ text string }

func (f fixedRunner) Run(ctx interface {
	Done() <-chan struct{}
	Err() error
}) (registry.CandidateUtterance, error) {
	return registry.CandidateUtterance{RawText: f.text, GeneratedAt: time.Now()}, nil
}

// fixedTransport reports a constant executability verdict.
type fixedTransport struct{ executable bool }

func (f fixedTransport) Call(ctx context.Context, req reductionclient.Envelope) (reductionclient.Response, error) {
	return reductionclient.Response{IsExecutable: f.executable}, nil
}
func (f fixedTransport) Ping(ctx context.Context) error { return nil }
func (f fixedTransport) Close() error                   { return nil }

func buildPipeline(t *testing.T, transport reductionclient.Transport) (*arbiter.Arbiter, *registry.Registry, *signalproc.Processor, *storage.DB) {
	t.Helper()
	cfg := config.Defaults()
	log := zap.NewNop()
	metrics := telemetry.NewMetrics()

	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	db, err := storage.Open(dbPath, cfg.Storage.RetentionDays)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.New(log)
	reg.Register(registry.RegisterOpts{
		ID: "reflex.safety", Tier: registry.TierReflex, DeclaredLatencyBudgetMs: 10,
		Capabilities: []registry.Capability{"combat", "survival"},
		Runner:       fixedRunner{text: "[GOAL: retreat]"},
	})

	enforcer := tickbudget.New(cfg.Loop, cfg.Safemode)
	monitor := perfmon.New(64, metrics)
	signals := signalproc.New(cfg.Signals, log)
	gate := eligibility.New()
	eventBus := bus.New(bus.DefaultTopics(cfg.Bus.TopicCapacity), nil)
	rc := reductionclient.New(cfg.Reduction, transport, log, metrics)

	a := arbiter.New(reg, enforcer, monitor, signals, clock.NewReal(), rc, gate, eventBus, metrics,
		log, "integration-v1", cfg.Signals.Rules)
	return a, reg, signals, db
}

// TestTick_PersistsLedgerEntryWithChainedHash confirms a dispatched tick's
// outcome is written to the ledger and chained to the previous entry.
func TestTick_PersistsLedgerEntryWithChainedHash(t *testing.T) {
	a, _, signals, db := buildPipeline(t, fixedTransport{executable: true})

	now := time.Now()
	require.NoError(t, signals.Ingest(signalproc.Signal{Kind: "safety", Intensity: 0.8, Timestamp: now}))
	out := a.Tick(context.Background(), now)
	require.True(t, out.ConvertEligible)

	entry := storage.LedgerEntry{
		TickID: out.TickID, NeedKind: out.SelectedNeed,
		DispatchedID: out.DispatchedID, DispatchedTier: int(out.DispatchedTier),
		Mode: string(out.Mode), Phase: out.Phase.String(),
		ConvertEligible: out.ConvertEligible, Reasoning: string(out.Reasoning),
		NodeID: "test-node",
	}
	require.NoError(t, db.AppendLedger(entry))

	second := storage.LedgerEntry{
		TickID: "tick-2", NeedKind: out.SelectedNeed,
		DispatchedID: out.DispatchedID, DispatchedTier: int(out.DispatchedTier),
		Mode: string(out.Mode), Phase: out.Phase.String(),
		NodeID: "test-node",
	}
	require.NoError(t, db.AppendLedger(second))

	entries, err := db.ReadLedger()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, entries[0].DecisionHash, entries[1].ParentHash)
	require.Equal(t, -1, storage.VerifyChain(entries))
}

// TestTick_AuthorityUnreachableStaysFailClosed drives the full dispatch
// pipeline through a transport that always errors and asserts the gate
// never reports eligibility — the fail-closed invariant end-to-end, not
// just at the eligibility package's unit-test boundary.
func TestTick_AuthorityUnreachableStaysFailClosed(t *testing.T) {
	a, _, signals, _ := buildPipeline(t, erroringTransport{})

	now := time.Now()
	require.NoError(t, signals.Ingest(signalproc.Signal{Kind: "safety", Intensity: 0.8, Timestamp: now}))
	out := a.Tick(context.Background(), now)
	require.False(t, out.ConvertEligible)
}

type erroringTransport struct{}

func (erroringTransport) Call(ctx context.Context, req reductionclient.Envelope) (reductionclient.Response, error) {
	return reductionclient.Response{}, context.DeadlineExceeded
}
func (erroringTransport) Ping(ctx context.Context) error { return context.DeadlineExceeded }
func (erroringTransport) Close() error                   { return nil }

// TestTick_NoEligibleNeedSkipsDispatch confirms a tick with no signal
// pressure dispatches nothing and leaves the registry untouched.
func TestTick_NoEligibleNeedSkipsDispatch(t *testing.T) {
	a, reg, _, _ := buildPipeline(t, fixedTransport{executable: true})

	out := a.Tick(context.Background(), time.Now())
	require.Empty(t, out.DispatchedID)

	e := reg.Get("reflex.safety")
	require.NotNil(t, e)
	require.Equal(t, registry.StateIdle, e.Current())
}
