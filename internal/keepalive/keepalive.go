// Package keepalive is the Keep-Alive Controller (C12): an idle-only
// intention check loop. On idle, it renders a non-injective prompt
// (factual situation frame, never a suggested action) and passes it
// through the same sanitize → reduce → eligibility pipeline every other
// candidate utterance uses.
//
// The base-interval ticker is grounded on
// internal/gossip/federated_baseline.go's periodic ShareInterval loop;
// the per-minute rate limit reuses internal/tickbudget.Bucket exactly as
// the teacher's token bucket refills to full capacity once per period.
package keepalive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/config"
	"github.com/conscious-bot/core/internal/telemetry"
	"github.com/conscious-bot/core/internal/tickbudget"
)

// ThreatLevel mirrors the safety signal's coarse classification; keep-alive
// is suppressed at high/critical.
type ThreatLevel string

const (
	ThreatNone     ThreatLevel = "none"
	ThreatElevated ThreatLevel = "elevated"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Snapshot is the bot-state view the idle predicate evaluates against.
type Snapshot struct {
	Now                   time.Time
	ActivePlanSteps       int
	LastTaskConversionAt  time.Time
	LastUserCommandAt     time.Time
	ThreatLevel           ThreatLevel
	// RecentStimulusIntensity in [0,1] drives the acceleration factor; 0
	// means no external stimulus, so the base interval applies unmodified.
	RecentStimulusIntensity float64
}

// SkipReason names why a tick was skipped (spec 4.12 keepalive_skip_not_idle).
type SkipReason string

const (
	SkipActivePlan    SkipReason = "active_plan_steps"
	SkipRecentTask    SkipReason = "recent_task_conversion"
	SkipThreatLevel   SkipReason = "threat_level"
	SkipRecentCommand SkipReason = "recent_user_command"
)

// IsIdle evaluates the four-part idle predicate (spec 4.12: ALL must
// hold). Returns the first reason found when not idle, for telemetry.
func IsIdle(s Snapshot, cfg config.KeepaliveConfig) (idle bool, reason SkipReason) {
	if s.ActivePlanSteps > 0 {
		return false, SkipActivePlan
	}
	if !s.LastTaskConversionAt.IsZero() && s.Now.Sub(s.LastTaskConversionAt) < cfg.TaskWindow() {
		return false, SkipRecentTask
	}
	if s.ThreatLevel == ThreatHigh || s.ThreatLevel == ThreatCritical {
		return false, SkipThreatLevel
	}
	if !s.LastUserCommandAt.IsZero() && s.Now.Sub(s.LastUserCommandAt) < cfg.UserCommandWindow() {
		return false, SkipRecentCommand
	}
	return true, ""
}

// Prompt is a non-injective situation frame: it states facts only, never
// a candidate action (spec 4.12: "must not suggest candidate actions").
type Prompt struct {
	Text        string
	GeneratedAt time.Time
}

// RenderPrompt builds the factual situation frame from the snapshot. It
// never mentions what the bot could or should do next.
func RenderPrompt(s Snapshot) Prompt {
	return Prompt{
		Text: fmt.Sprintf(
			"Idle status check at %s. Active plan steps: %d. Threat level: %s. No pending task conversions.",
			s.Now.Format(time.RFC3339), s.ActivePlanSteps, s.ThreatLevel,
		),
		GeneratedAt: s.Now,
	}
}

// Reducer is the minimal surface keepalive needs from the C6->C5->C7
// pipeline, satisfied by the arbiter's pipeline helper.
type Reducer interface {
	ReduceAndDecide(ctx context.Context, text string) (eligible bool, reasoning string)
}

// Controller is the C12 Keep-Alive Controller.
type Controller struct {
	cfg     config.KeepaliveConfig
	limiter *tickbudget.Bucket
	log     *zap.Logger
	metrics *telemetry.Metrics
	emitter *telemetry.Emitter
	reducer Reducer

	mu              sync.Mutex
	lastTickAt      time.Time
	circuitOpen     bool
	violationsInRow int
}

// New constructs a Controller. limiter should be sized to cfg.MaxPerMinute
// with a one-minute refill period (internal/tickbudget.NewBucket).
func New(cfg config.KeepaliveConfig, limiter *tickbudget.Bucket, reducer Reducer, log *zap.Logger, metrics *telemetry.Metrics) *Controller {
	return &Controller{cfg: cfg, limiter: limiter, reducer: reducer, log: log, metrics: metrics}
}

// SetEmitter wires a structured-event emitter (spec §4.11). Optional.
func (c *Controller) SetEmitter(e *telemetry.Emitter) {
	c.mu.Lock()
	c.emitter = e
	c.mu.Unlock()
}

// NextInterval computes the next wait before evaluating idle again,
// applying stimulus acceleration bounded by cfg.AccelerationFactor (spec
// 4.12: "external stimuli may shorten the base interval by a bounded
// factor").
func (c *Controller) NextInterval(stimulusIntensity float64) time.Duration {
	if stimulusIntensity <= 0 {
		return c.cfg.BaseInterval()
	}
	if stimulusIntensity > 1 {
		stimulusIntensity = 1
	}
	minFactor := 1 - c.cfg.AccelerationFactor
	factor := 1 - stimulusIntensity*c.cfg.AccelerationFactor
	if factor < minFactor {
		factor = minFactor
	}
	return time.Duration(float64(c.cfg.BaseInterval()) * factor)
}

// Tick evaluates one keep-alive opportunity: checks idle, checks the rate
// limiter, renders the prompt, and runs it through the reducer. Returns
// whether a tick was actually emitted and why not if not.
func (c *Controller) Tick(ctx context.Context, snapshot Snapshot) (emitted bool, reason SkipReason) {
	idle, notIdleReason := IsIdle(snapshot, c.cfg)
	if !idle {
		if c.metrics != nil {
			c.metrics.KeepaliveSkippedNotIdle.Inc()
		}
		if c.log != nil {
			c.log.Debug("keepalive_skip_not_idle", zap.String("reason", string(notIdleReason)))
		}
		if c.emitter != nil {
			c.emitter.Emit(telemetry.EventKeepaliveSkip, "", map[string]any{"reason": string(notIdleReason)})
		}
		return false, notIdleReason
	}

	if !c.limiter.Consume(1) {
		c.mu.Lock()
		c.violationsInRow++
		if c.violationsInRow >= 3 {
			c.circuitOpen = true
		}
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.KeepaliveViolationsTotal.Inc()
		}
		if c.log != nil {
			c.log.Warn("keepalive_violation", zap.Int("remaining_tokens", c.limiter.Remaining()))
		}
		if c.emitter != nil {
			c.emitter.Emit(telemetry.EventKeepaliveViolation, "", map[string]any{"remaining_tokens": c.limiter.Remaining()})
		}
		return false, "rate_limited"
	}

	c.mu.Lock()
	c.violationsInRow = 0
	c.circuitOpen = false
	c.lastTickAt = snapshot.Now
	c.mu.Unlock()

	prompt := RenderPrompt(snapshot)

	if c.metrics != nil {
		c.metrics.KeepaliveTicksTotal.Inc()
	}
	if c.log != nil {
		c.log.Info("keepalive_tick", zap.Time("generated_at", prompt.GeneratedAt))
	}
	if c.emitter != nil {
		c.emitter.Emit(telemetry.EventKeepaliveTick, "", nil)
	}

	if c.reducer != nil {
		eligible, reasoning := c.reducer.ReduceAndDecide(ctx, prompt.Text)
		if c.log != nil {
			c.log.Debug("keepalive reduction result", zap.Bool("eligible", eligible), zap.String("reasoning", reasoning))
		}
	}

	return true, ""
}

// CircuitOpen reports whether the rate limiter has tripped open after
// repeated violations (spec 4.12: "circuit opens if exceeded").
func (c *Controller) CircuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.circuitOpen
}
