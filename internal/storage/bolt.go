// Package storage owns the cognitive core's two on-disk artifacts: a
// bbolt-backed, hash-chained audit ledger of scheduling decisions, and
// the latency-profile.json bootstrap file (spec §6).
//
// Bucket layout and write/read mechanics are adapted directly from
// internal/storage/bolt.go's Open/AppendLedger/PruneOldLedgerEntries
// trio. The hash chain (ParentHash -> DecisionHash per entry) is adapted
// from internal/governance/constitutional.go's ValidateDecision: each
// ledger write computes sha256 over its own canonical fields plus the
// previous entry's hash, so a tampered or reordered entry breaks the
// chain and VerifyChain can detect it.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketLedger = "ledger"
	bucketMeta   = "meta"
)

// LedgerEntry is a single scheduling-decision audit record (spec §4 domain
// model addition: "an in-core audit trail of scheduling decisions").
type LedgerEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	TickID          string    `json:"tick_id"`
	NeedKind        string    `json:"need_kind"`
	DispatchedID    string    `json:"dispatched_id"`
	DispatchedTier  int       `json:"dispatched_tier"`
	Mode            string    `json:"mode"`
	Phase           string    `json:"phase"`
	ConvertEligible bool      `json:"convert_eligible"`
	Reasoning       string    `json:"reasoning"`
	SafeModeActive  bool      `json:"safemode_active"`
	NodeID          string    `json:"node_id"`

	// DecisionHash/ParentHash form the append-only hash chain.
	DecisionHash string `json:"decision_hash"`
	ParentHash   string `json:"parent_hash"`
}

// canonicalFields returns the deterministic byte representation hashed
// into DecisionHash — excludes the hash fields themselves.
func (e LedgerEntry) canonicalFields() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%s|%s|%t|%s|%t|%s",
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.TickID, e.NeedKind,
		e.DispatchedID, e.DispatchedTier, e.Mode, e.Phase,
		e.ConvertEligible, e.Reasoning, e.SafeModeActive, e.NodeID)
}

// DB wraps a bbolt instance with typed accessors for the audit ledger.
type DB struct {
	db            *bolt.DB
	retentionDays int
	lastHash      string
}

// Open opens (or creates) the bbolt database at path, initializing
// buckets and verifying the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	if err := d.loadLastHash(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("schema version mismatch: database has %q, core requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// loadLastHash seeds the in-memory chain tip from the last ledger entry on
// disk, so a restarted process continues the same hash chain rather than
// starting a new, disconnected one.
func (d *DB) loadLastHash() error {
	return d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		var entry LedgerEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		d.lastHash = entry.DecisionHash
		return nil
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error { return d.db.Close() }

func ledgerKey(t time.Time, tickID string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(time.RFC3339Nano), tickID))
}

// AppendLedger writes one hash-chained entry, computing DecisionHash from
// entry's canonical fields plus the current chain tip, then advancing the
// tip. Not safe for concurrent callers — the arbiter's single tick loop is
// this type's only writer, matching bbolt's single-writer model.
func (d *DB) AppendLedger(entry LedgerEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.ParentHash = d.lastHash
	entry.DecisionHash = computeHash(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendLedger marshal: %w", err)
	}

	key := ledgerKey(entry.Timestamp, entry.TickID)
	if err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.Put(key, data)
	}); err != nil {
		return fmt.Errorf("AppendLedger bolt.Put: %w", err)
	}

	d.lastHash = entry.DecisionHash
	return nil
}

func computeHash(e LedgerEntry) string {
	sum := sha256.Sum256([]byte(e.canonicalFields() + "|" + e.ParentHash))
	return hex.EncodeToString(sum[:])
}

// PruneOldLedgerEntries deletes entries older than retentionDays. Returns
// the count deleted. Pruning does not break VerifyChain for the remaining
// suffix — ParentHash chains only need their own immediate predecessor,
// which survives unless the entire chain is pruned.
func (d *DB) PruneOldLedgerEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, "")

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadLedger returns every ledger entry in chronological order. Not called
// on the hot path — for opctl inspection and tests.
func (d *DB) ReadLedger() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

// VerifyChain recomputes every entry's DecisionHash and checks ParentHash
// linkage, returning the index of the first broken link or -1 if the
// chain is intact.
func VerifyChain(entries []LedgerEntry) int {
	prev := ""
	if len(entries) > 0 {
		// After pruning, the oldest surviving entry links to a deleted one.
		prev = entries[0].ParentHash
	}
	for i, e := range entries {
		if computeHash(LedgerEntry{
			Timestamp: e.Timestamp, TickID: e.TickID, NeedKind: e.NeedKind,
			DispatchedID: e.DispatchedID, DispatchedTier: e.DispatchedTier,
			Mode: e.Mode, Phase: e.Phase, ConvertEligible: e.ConvertEligible,
			Reasoning: e.Reasoning, SafeModeActive: e.SafeModeActive, NodeID: e.NodeID,
			ParentHash: prev,
		}) != e.DecisionHash || e.ParentHash != prev {
			return i
		}
		prev = e.DecisionHash
	}
	return -1
}
