package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LatencyProfile is the JSON snapshot of per-module latency percentiles
// persisted to LatencyProfilePath, distinct from the bbolt ledger: it is a
// plain file so an operator can inspect or hand-edit it between runs
// (spec §6 bootstrap file, not an audit record).
type LatencyProfile struct {
	SavedAt time.Time                  `json:"saved_at"`
	Modules map[string]ModuleLatencies `json:"modules"`
}

// ModuleLatencies mirrors perfmon's exact nearest-rank percentiles for one
// module, captured at save time.
type ModuleLatencies struct {
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
	N     int     `json:"n"`
}

// LoadLatencyProfile reads path, returning an empty profile (not an error)
// when the file doesn't exist yet — the first run on a fresh node has no
// prior profile to bootstrap from.
func LoadLatencyProfile(path string) (LatencyProfile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return LatencyProfile{Modules: map[string]ModuleLatencies{}}, nil
	}
	if err != nil {
		return LatencyProfile{}, fmt.Errorf("read latency profile %q: %w", path, err)
	}

	var p LatencyProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return LatencyProfile{}, fmt.Errorf("parse latency profile %q: %w", path, err)
	}
	if p.Modules == nil {
		p.Modules = map[string]ModuleLatencies{}
	}
	return p, nil
}

// SaveLatencyProfile writes p to path atomically (write-temp, rename) so a
// crash mid-write never leaves a truncated profile for the next start to
// load.
func SaveLatencyProfile(path string, p LatencyProfile) error {
	p.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal latency profile: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".latency-profile-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp latency profile: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp latency profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp latency profile: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename latency profile into place: %w", err)
	}
	return nil
}
