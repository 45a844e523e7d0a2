package storage_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conscious-bot/core/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := storage.Open(path, 30)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAppendLedger_ChainsHashes(t *testing.T) {
	db := openTestDB(t)

	e1 := storage.LedgerEntry{TickID: "t1", NeedKind: "safety", DispatchedID: "reflex.safety", DispatchedTier: 0, Mode: "hazardous", Phase: "fresh", ConvertEligible: false}
	require.NoError(t, db.AppendLedger(e1))

	e2 := storage.LedgerEntry{TickID: "t2", NeedKind: "hunger", DispatchedID: "reactive.eat", DispatchedTier: 1, Mode: "routine", Phase: "fresh", ConvertEligible: true}
	require.NoError(t, db.AppendLedger(e2))

	entries, err := db.ReadLedger()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.Empty(t, entries[0].ParentHash)
	require.NotEmpty(t, entries[0].DecisionHash)
	require.Equal(t, entries[0].DecisionHash, entries[1].ParentHash)
	require.NotEqual(t, entries[0].DecisionHash, entries[1].DecisionHash)

	require.Equal(t, -1, storage.VerifyChain(entries))
}

func TestAppendLedger_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := storage.Open(path, 30)
	require.NoError(t, err)
	require.NoError(t, db.AppendLedger(storage.LedgerEntry{TickID: "t1", NeedKind: "safety"}))
	require.NoError(t, db.Close())

	db2, err := storage.Open(path, 30)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.AppendLedger(storage.LedgerEntry{TickID: "t2", NeedKind: "hunger"}))
	entries, err := db2.ReadLedger()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, -1, storage.VerifyChain(entries), "chain tip must carry across reopen")
}

func TestVerifyChain_DetectsTamperedEntry(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.AppendLedger(storage.LedgerEntry{TickID: "t1"}))
	require.NoError(t, db.AppendLedger(storage.LedgerEntry{TickID: "t2"}))

	entries, err := db.ReadLedger()
	require.NoError(t, err)
	entries[0].Reasoning = "tampered"

	require.Equal(t, 0, storage.VerifyChain(entries))
}

func TestPruneOldLedgerEntries_RemovesOnlyStaleRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := storage.Open(path, 30)
	require.NoError(t, err)
	defer db.Close()

	old := storage.LedgerEntry{TickID: "old", Timestamp: time.Now().UTC().AddDate(0, 0, -60)}
	recent := storage.LedgerEntry{TickID: "recent", Timestamp: time.Now().UTC()}
	require.NoError(t, db.AppendLedger(old))
	require.NoError(t, db.AppendLedger(recent))

	deleted, err := db.PruneOldLedgerEntries()
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	entries, err := db.ReadLedger()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "recent", entries[0].TickID)
}

func TestLatencyProfile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latency-profile.json")

	loaded, err := storage.LoadLatencyProfile(path)
	require.NoError(t, err)
	require.Empty(t, loaded.Modules)

	profile := storage.LatencyProfile{
		Modules: map[string]storage.ModuleLatencies{
			"reflex.safety": {P50Ms: 4.2, P95Ms: 9.1, P99Ms: 12.5, N: 1000},
		},
	}
	require.NoError(t, storage.SaveLatencyProfile(path, profile))

	reloaded, err := storage.LoadLatencyProfile(path)
	require.NoError(t, err)
	require.Equal(t, 1000, reloaded.Modules["reflex.safety"].N)
	require.InDelta(t, 9.1, reloaded.Modules["reflex.safety"].P95Ms, 0.0001)
	require.False(t, reloaded.SavedAt.IsZero())
}
