// Package config provides configuration loading, validation, and an
// environment-variable overlay for the conscious-core cognitive arbiter.
//
// Loading order: Defaults() → YAML file (if present) → environment
// variables (§2.2 of SPEC_FULL.md names the env vars as the control
// surface; they always win over the file, the file always wins over
// defaults). Mirrors the teacher's Defaults()/Load()/Validate() trio
// (internal/config/config.go) with one addition (the env overlay) that
// the teacher doesn't need because it has no equivalent control-surface
// contract.
//
// Invalid configuration at startup is fatal (corerr.ConfigError, process
// exit 64) — no hot-reload path exists here; spec.md never asks for one,
// unlike the teacher's SIGHUP handler.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conscious-bot/core/internal/corerr"
	"github.com/conscious-bot/core/internal/reduction/sanitizer"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// SanitizerVersion is pinned by this implementation (spec §6:
// "SANITIZER_VERSION (read-only; pinned by implementation)"); it is the
// canonical sanitizer.Version re-exported here so the rest of config can
// reference it without every caller importing the sanitizer package.
const SanitizerVersion = sanitizer.Version

// Config is the root configuration for the cognitive core.
type Config struct {
	NodeID string `yaml:"node_id"`

	Loop      LoopConfig      `yaml:"loop"`
	Safemode  SafemodeConfig  `yaml:"safemode"`
	Signals   SignalsConfig   `yaml:"signals"`
	Registry  RegistryConfig  `yaml:"registry"`
	Reduction ReductionConfig `yaml:"reduction"`
	Bus       BusConfig       `yaml:"bus"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Opctl     OpctlConfig     `yaml:"opctl"`
}

// LoopConfig holds tick-budget parameters (spec §4.9/§6).
type LoopConfig struct {
	// HazardousMs is the hard budget for a hazardous-mode tick. Env:
	// LOOP_TARGET_MS. Default 50.
	HazardousMs int `yaml:"hazardous_ms"`

	// RoutineMs is the hard budget for a routine-mode tick. Env:
	// LOOP_MAX_MS. Default 200.
	RoutineMs int `yaml:"routine_ms"`

	// SlackMs is the ε permitted over budget before a tick counts as a
	// violation (spec P3, default 2ms).
	SlackMs int `yaml:"slack_ms"`
}

func (l LoopConfig) Hazardous() time.Duration { return time.Duration(l.HazardousMs) * time.Millisecond }
func (l LoopConfig) Routine() time.Duration   { return time.Duration(l.RoutineMs) * time.Millisecond }
func (l LoopConfig) Slack() time.Duration     { return time.Duration(l.SlackMs) * time.Millisecond }

// SafemodeConfig holds Safe Mode entry/exit thresholds.
type SafemodeConfig struct {
	// Threshold is the number of consecutive violations to enter Safe Mode.
	// Env: SAFEMODE_THRESHOLD. Default 3.
	Threshold int `yaml:"threshold"`

	// Recovery is the number of consecutive clean ticks to exit Safe Mode.
	// Env: SAFEMODE_RECOVERY. Default 10.
	Recovery int `yaml:"recovery"`

	// RecoveryWindowMs, if non-zero, additionally requires that this much
	// wall-clock time has elapsed since Safe Mode was entered before exit
	// is permitted (Open Question #3 resolution: an AND, not a
	// replacement, of the counted-ticks criterion). Default 0 (disabled).
	RecoveryWindowMs int `yaml:"recovery_window_ms"`

	// AllowedTiers lists the module tiers dispatchable while Safe Mode is
	// active. Default {0, 1}.
	AllowedTiers []int `yaml:"allowed_tiers"`
}

func (s SafemodeConfig) RecoveryWindow() time.Duration {
	return time.Duration(s.RecoveryWindowMs) * time.Millisecond
}

// SignalsConfig holds per-kind normalization/need-generation rules.
type SignalsConfig struct {
	// TrendWindow is the ring size for the trend history (spec I-HISTORY-1).
	TrendWindow int `yaml:"trend_window"`

	// TrendShortWindow/TrendLongWindow are the sample counts compared for
	// rising/stable/falling classification; both must be <= TrendWindow.
	TrendShortWindow int `yaml:"trend_short_window"`
	TrendLongWindow  int `yaml:"trend_long_window"`

	// Rules is the declarative per-kind need-generation rule set (spec
	// §4.2). Keys are SignalKind strings; unregistered kinds are recorded
	// and ignored, never erroring.
	Rules map[string]NeedRule `yaml:"rules"`
}

// NeedRule is the declarative per-signal-kind rule named in spec §4.2.
type NeedRule struct {
	TriggerIntensity float64 `yaml:"trigger_intensity"`
	HysteresisLow    float64 `yaml:"hysteresis_low"`
	HysteresisHigh   float64 `yaml:"hysteresis_high"`
	BaseUrgency      float64 `yaml:"base_urgency"`
	TrendBoost       float64 `yaml:"trend_boost"`
	// Clamp bounds the normalized intensity to [0, Clamp] before any other
	// processing; 0 means "use 1.0" (full range).
	Clamp float64 `yaml:"clamp"`
	// Smoothing is an optional EWMA smoothing factor in [0,1]; 0 disables
	// smoothing (raw clipped intensity is used directly).
	Smoothing float64 `yaml:"smoothing"`

	// Mode is the tick deadline class this need dispatches under
	// ("hazardous" or "routine"), per spec 4.9 step 2 ("choose mode from
	// need kind + safety state").
	Mode string `yaml:"mode"`

	// RequiredTier is the tier the arbiter maps this need onto before
	// walking the candidate ladder (spec 4.8: "the arbiter maps a need to
	// tier/capabilities required"). The arbiter tries every tier from
	// Reflex up to RequiredTier, cheapest first, and dispatches the first
	// idle match.
	RequiredTier int `yaml:"required_tier"`

	// RequiredCapabilities lists the capability tokens a candidate module
	// must declare to satisfy this need.
	RequiredCapabilities []string `yaml:"required_capabilities"`
}

// RegistryConfig holds per-tier latency budgets (spec §4.8).
type RegistryConfig struct {
	// TierBudgetMs indexes tier (0..3) to its declared latency budget in
	// ms. Tier 3 is unbounded-soft; its entry is a *target*, not a hard cap.
	TierBudgetMs [4]int `yaml:"tier_budget_ms"`

	// DegradationFactor is the multiple of a module's declared budget its
	// rolling P95 must exceed before its tier is temporarily downgraded
	// (spec 4.4 degradation policy). Default 1.5.
	DegradationFactor float64 `yaml:"degradation_factor"`
}

// ReductionConfig holds C5/C6 parameters.
type ReductionConfig struct {
	// TimeoutMs is the per-call deadline for the semantic authority. Env:
	// REDUCER_TIMEOUT_MS. Default 500.
	TimeoutMs int `yaml:"timeout_ms"`

	// CircuitFailThreshold is K consecutive failures before the circuit
	// opens. Env: CIRCUIT_FAIL_THRESHOLD. Default 5.
	CircuitFailThreshold int `yaml:"circuit_fail_threshold"`

	// CircuitCooldownMs is the open-circuit cooldown. Env:
	// CIRCUIT_COOLDOWN_MS. Default 30000.
	CircuitCooldownMs int `yaml:"circuit_cooldown_ms"`

	// MaxConcurrent bounds the number of in-flight reduce() calls
	// (spec §4.5: "concurrency bounded by a semaphore").
	MaxConcurrent int `yaml:"max_concurrent"`

	// HeartbeatMs is the ping/heartbeat interval.
	HeartbeatMs int `yaml:"heartbeat_ms"`

	// Target is the semantic authority address (transport-specific; empty
	// means no transport is configured and reduce() always fails closed).
	Target string `yaml:"target"`

	// Policy names the behaviour on a permanently unreachable authority:
	// "strict" or "degrade". Validate accepts only those two values; no code
	// path reads the field, and the process does not exit on an unreachable
	// authority under either value.
	Policy string `yaml:"policy"`
}

func (r ReductionConfig) Timeout() time.Duration  { return time.Duration(r.TimeoutMs) * time.Millisecond }
func (r ReductionConfig) Cooldown() time.Duration { return time.Duration(r.CircuitCooldownMs) * time.Millisecond }
func (r ReductionConfig) Heartbeat() time.Duration {
	return time.Duration(r.HeartbeatMs) * time.Millisecond
}

// BusConfig holds event bus topic capacities.
type BusConfig struct {
	// TopicCapacity is the bounded-channel depth of every topic. Env:
	// TELEMETRY_TOPIC_CAPACITY (sets this one shared value; there is no
	// per-topic override).
	TopicCapacity int `yaml:"topic_capacity"`
}

// KeepaliveConfig holds C12 parameters.
type KeepaliveConfig struct {
	// BaseIntervalMs is the idle-tick base interval. Env:
	// KEEPALIVE_BASE_INTERVAL_MS. Default 30000.
	BaseIntervalMs int `yaml:"base_interval_ms"`

	// MaxPerMinute caps keep-alive ticks per one-minute refill period of
	// the limiter bucket (not a rolling window). Env:
	// KEEPALIVE_MAX_PER_MIN. Default 10.
	MaxPerMinute int `yaml:"max_per_minute"`

	// UserCommandWindowMs is the recent-user-command idle window. Env:
	// IDLE_USER_COMMAND_WINDOW_MS. Default 10000.
	UserCommandWindowMs int `yaml:"user_command_window_ms"`

	// TaskWindowMs is the recent-task-conversion idle window. Env:
	// IDLE_TASK_WINDOW_MS. Default 30000.
	TaskWindowMs int `yaml:"task_window_ms"`

	// AccelerationFactor bounds how much a stimulus can shorten the base
	// interval (e.g. 0.5 means never faster than half the base interval).
	AccelerationFactor float64 `yaml:"acceleration_factor"`
}

func (k KeepaliveConfig) BaseInterval() time.Duration {
	return time.Duration(k.BaseIntervalMs) * time.Millisecond
}
func (k KeepaliveConfig) UserCommandWindow() time.Duration {
	return time.Duration(k.UserCommandWindowMs) * time.Millisecond
}
func (k KeepaliveConfig) TaskWindow() time.Duration {
	return time.Duration(k.TaskWindowMs) * time.Millisecond
}

// StorageConfig holds the audit ledger + latency-profile bootstrap paths.
type StorageConfig struct {
	// LedgerPath is the bbolt audit-ledger file path. Default:
	// /var/lib/conscious-core/ledger.db.
	LedgerPath string `yaml:"ledger_path"`

	// RetentionDays is the ledger retention period. Default 30.
	RetentionDays int `yaml:"retention_days"`

	// LatencyProfilePath is the JSON bootstrap file named in spec §6.
	// Default: /var/lib/conscious-core/latency-profile.json.
	LatencyProfilePath string `yaml:"latency_profile_path"`
}

// TelemetryConfig holds metrics/tracing parameters.
type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	// TraceExporter selects "stdout" (default) or "none".
	TraceExporter string `yaml:"trace_exporter"`
}

// OpctlConfig holds the operator-control Unix socket parameters.
type OpctlConfig struct {
	SocketPath string `yaml:"socket_path"`
	Enabled    bool   `yaml:"enabled"`
}

// Defaults returns a Config populated with all spec-mandated default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		NodeID: hostname,
		Loop: LoopConfig{
			HazardousMs: 50,
			RoutineMs:   200,
			SlackMs:     2,
		},
		Safemode: SafemodeConfig{
			Threshold:    3,
			Recovery:     10,
			AllowedTiers: []int{0, 1},
		},
		Signals: SignalsConfig{
			TrendWindow:      60,
			TrendShortWindow: 5,
			TrendLongWindow:  30,
			Rules:            defaultNeedRules(),
		},
		Registry: RegistryConfig{
			TierBudgetMs:      [4]int{10, 50, 200, 0},
			DegradationFactor: 1.5,
		},
		Reduction: ReductionConfig{
			TimeoutMs:            500,
			CircuitFailThreshold: 5,
			CircuitCooldownMs:    30000,
			MaxConcurrent:        8,
			HeartbeatMs:          5000,
			Policy:               "strict",
		},
		Bus: BusConfig{
			TopicCapacity: 1024,
		},
		Keepalive: KeepaliveConfig{
			BaseIntervalMs:      30000,
			MaxPerMinute:        10,
			UserCommandWindowMs: 10000,
			TaskWindowMs:        30000,
			AccelerationFactor:  0.5,
		},
		Storage: StorageConfig{
			LedgerPath:         "/var/lib/conscious-core/ledger.db",
			RetentionDays:      30,
			LatencyProfilePath: "/var/lib/conscious-core/latency-profile.json",
		},
		Telemetry: TelemetryConfig{
			MetricsAddr:   "127.0.0.1:9191",
			LogLevel:      "info",
			LogFormat:     "json",
			TraceExporter: "stdout",
		},
		Opctl: OpctlConfig{
			SocketPath: "/run/conscious-core/opctl.sock",
			Enabled:    true,
		},
	}
}

func defaultNeedRules() map[string]NeedRule {
	return map[string]NeedRule{
		"health": {
			TriggerIntensity: 0.5, HysteresisLow: 0.3, HysteresisHigh: 0.6,
			BaseUrgency: 0.7, TrendBoost: 0.2, Clamp: 1.0,
			Mode: "hazardous", RequiredTier: 0, RequiredCapabilities: []string{"survival"},
		},
		"hunger": {
			TriggerIntensity: 0.5, HysteresisLow: 0.3, HysteresisHigh: 0.6,
			BaseUrgency: 0.5, TrendBoost: 0.15, Clamp: 1.0,
			Mode: "routine", RequiredTier: 1, RequiredCapabilities: []string{"planning"},
		},
		"safety": {
			TriggerIntensity: 0.4, HysteresisLow: 0.25, HysteresisHigh: 0.5,
			BaseUrgency: 0.9, TrendBoost: 0.3, Clamp: 1.0,
			Mode: "hazardous", RequiredTier: 0, RequiredCapabilities: []string{"combat", "survival"},
		},
		"social": {
			TriggerIntensity: 0.5, HysteresisLow: 0.35, HysteresisHigh: 0.6,
			BaseUrgency: 0.3, TrendBoost: 0.1, Clamp: 1.0,
			Mode: "routine", RequiredTier: 2, RequiredCapabilities: []string{"dialogue"},
		},
	}
}

// Load reads a YAML config file over Defaults(), applies the
// environment-variable overlay, then validates the result once.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, corerr.Wrap(corerr.ConfigError, "", fmt.Sprintf("read %q", path), err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, corerr.Wrap(corerr.ConfigError, "", fmt.Sprintf("parse %q", path), err)
		}
	}

	applyEnvOverlay(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, corerr.Wrap(corerr.ConfigError, "", "validation failed", err)
	}
	return &cfg, nil
}

// applyEnvOverlay merges the recognized environment variables from spec §6
// on top of the file/defaults. Env always wins.
func applyEnvOverlay(cfg *Config) {
	envInt(&cfg.Loop.HazardousMs, "LOOP_TARGET_MS")
	envInt(&cfg.Loop.RoutineMs, "LOOP_MAX_MS")
	envInt(&cfg.Safemode.Threshold, "SAFEMODE_THRESHOLD")
	envInt(&cfg.Safemode.Recovery, "SAFEMODE_RECOVERY")
	envInt(&cfg.Reduction.TimeoutMs, "REDUCER_TIMEOUT_MS")
	envInt(&cfg.Reduction.CircuitFailThreshold, "CIRCUIT_FAIL_THRESHOLD")
	envInt(&cfg.Reduction.CircuitCooldownMs, "CIRCUIT_COOLDOWN_MS")
	envInt(&cfg.Keepalive.BaseIntervalMs, "KEEPALIVE_BASE_INTERVAL_MS")
	envInt(&cfg.Keepalive.MaxPerMinute, "KEEPALIVE_MAX_PER_MIN")
	envInt(&cfg.Keepalive.UserCommandWindowMs, "IDLE_USER_COMMAND_WINDOW_MS")
	envInt(&cfg.Keepalive.TaskWindowMs, "IDLE_TASK_WINDOW_MS")
	envInt(&cfg.Bus.TopicCapacity, "TELEMETRY_TOPIC_CAPACITY")
}

func envInt(dst *int, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

// Validate checks all config fields for correctness, returning a single
// error describing every violation found (matches the teacher's
// accumulate-then-report Validate shape).
func Validate(cfg *Config) error {
	var errs []string

	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Loop.HazardousMs <= 0 || cfg.Loop.RoutineMs <= 0 {
		errs = append(errs, "loop.hazardous_ms and loop.routine_ms must be > 0")
	}
	if cfg.Loop.HazardousMs > cfg.Loop.RoutineMs {
		errs = append(errs, "loop.hazardous_ms must be <= loop.routine_ms")
	}
	if cfg.Safemode.Threshold < 1 {
		errs = append(errs, "safemode.threshold must be >= 1")
	}
	if cfg.Safemode.Recovery < 1 {
		errs = append(errs, "safemode.recovery must be >= 1")
	}
	if cfg.Signals.TrendWindow < 1 {
		errs = append(errs, "signals.trend_window must be >= 1")
	}
	if cfg.Signals.TrendShortWindow < 1 || cfg.Signals.TrendLongWindow < cfg.Signals.TrendShortWindow {
		errs = append(errs, "signals.trend_short_window must be >= 1 and <= trend_long_window")
	}
	if cfg.Signals.TrendLongWindow > cfg.Signals.TrendWindow {
		errs = append(errs, "signals.trend_long_window must be <= trend_window")
	}
	for kind, rule := range cfg.Signals.Rules {
		if rule.HysteresisLow > rule.HysteresisHigh {
			errs = append(errs, fmt.Sprintf("signals.rules[%s]: hysteresis_low must be <= hysteresis_high", kind))
		}
		if rule.Smoothing < 0 || rule.Smoothing > 1 {
			errs = append(errs, fmt.Sprintf("signals.rules[%s]: smoothing must be in [0,1]", kind))
		}
	}
	if cfg.Reduction.TimeoutMs <= 0 {
		errs = append(errs, "reduction.timeout_ms must be > 0")
	}
	if cfg.Reduction.CircuitFailThreshold < 1 {
		errs = append(errs, "reduction.circuit_fail_threshold must be >= 1")
	}
	if cfg.Reduction.CircuitCooldownMs <= 0 {
		errs = append(errs, "reduction.circuit_cooldown_ms must be > 0")
	}
	if cfg.Reduction.MaxConcurrent < 1 {
		errs = append(errs, "reduction.max_concurrent must be >= 1")
	}
	if cfg.Reduction.Policy != "strict" && cfg.Reduction.Policy != "degrade" {
		errs = append(errs, "reduction.policy must be \"strict\" or \"degrade\"")
	}
	if cfg.Bus.TopicCapacity < 1 {
		errs = append(errs, "bus.topic_capacity must be >= 1")
	}
	if cfg.Keepalive.BaseIntervalMs <= 0 {
		errs = append(errs, "keepalive.base_interval_ms must be > 0")
	}
	if cfg.Keepalive.MaxPerMinute < 1 {
		errs = append(errs, "keepalive.max_per_minute must be >= 1")
	}
	if cfg.Keepalive.AccelerationFactor <= 0 || cfg.Keepalive.AccelerationFactor > 1 {
		errs = append(errs, "keepalive.acceleration_factor must be in (0,1]")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, "storage.retention_days must be >= 1")
	}
	if cfg.Registry.DegradationFactor <= 1.0 {
		errs = append(errs, "registry.degradation_factor must be > 1.0")
	}

	if len(errs) > 0 {
		msg := errs[0]
		for _, e := range errs[1:] {
			msg += "; " + e
		}
		return fmt.Errorf("config validation errors: %s", msg)
	}
	return nil
}
