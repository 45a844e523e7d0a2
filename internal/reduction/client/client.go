package client

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/config"
	"github.com/conscious-bot/core/internal/telemetry"
)

// Client is the C5 Semantic Reduction Client. Transport-agnostic,
// fail-closed, circuit-breaker protected, concurrency-bounded.
type Client struct {
	cfg       config.ReductionConfig
	transport Transport
	breaker   *gobreaker.CircuitBreaker
	semCh     chan struct{}
	log       *zap.Logger
	metrics   *telemetry.Metrics

	mu         sync.Mutex
	connState  ConnState
	backoffGen *backoff
	emitter    *telemetry.Emitter

	heartbeatStop chan struct{}
	heartbeatOnce sync.Once

	closed atomic.Bool
}

// New constructs a Client. transport may be nil, in which case every
// reduce() call synthesizes a degraded (fail-closed) provenance without
// attempting any network I/O — matches "Target empty means no transport is
// configured and reduce() always fails closed" (config.ReductionConfig.Target).
func New(cfg config.ReductionConfig, transport Transport, log *zap.Logger, metrics *telemetry.Metrics) *Client {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	c := &Client{
		cfg:           cfg,
		transport:     transport,
		semCh:         make(chan struct{}, maxConcurrent),
		log:           log,
		metrics:       metrics,
		connState:     ConnConnecting,
		backoffGen:    newBackoff(100*time.Millisecond, 30*time.Second),
		heartbeatStop: make(chan struct{}),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sterling-reduction",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.Cooldown(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitFailThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.onBreakerStateChange(to)
		},
	})

	if transport != nil {
		go c.heartbeatLoop()
	}

	return c
}

func (c *Client) onBreakerStateChange(to gobreaker.State) {
	c.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		c.connState = ConnOpen
	case gobreaker.StateHalfOpen:
		c.connState = ConnHalfOpen
	case gobreaker.StateClosed:
		c.connState = ConnConnected
	}
	state := c.connState
	emitter := c.emitter
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CircuitStateGauge.Set(circuitStateValue(state))
	}
	if c.log != nil {
		c.log.Info("reduction circuit state changed", zap.String("state", string(state)))
	}
	if emitter != nil {
		emitter.Emit(telemetry.EventCircuitStateChanged, "", map[string]any{"state": string(state)})
	}
}

func circuitStateValue(s ConnState) float64 {
	switch s {
	case ConnOpen:
		return 2
	case ConnHalfOpen:
		return 1
	default:
		return 0
	}
}

// SetEmitter wires a structured-event emitter (spec §4.11). Optional.
func (c *Client) SetEmitter(e *telemetry.Emitter) {
	c.mu.Lock()
	c.emitter = e
	c.mu.Unlock()
}

// State returns the client's current connectivity/circuit snapshot.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// Reduce sends env to the semantic authority and always returns a
// well-formed Provenance — fail-closed, never an error, matching spec
// 4.5's "degraded mode" contract: the pipeline must always be able to
// proceed to the eligibility gate.
func (c *Client) Reduce(ctx context.Context, env Envelope) Provenance {
	start := time.Now()

	if c.transport == nil {
		return c.degraded(env.EnvelopeID, "no_transport", start)
	}

	select {
	case c.semCh <- struct{}{}:
		defer func() { <-c.semCh }()
	case <-ctx.Done():
		return c.degraded(env.EnvelopeID, "caller_cancelled", start)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	result, err := c.breaker.Execute(func() (any, error) {
		return c.transport.Call(callCtx, env)
	})

	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		reason := "error"
		switch {
		case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
			reason = "circuit_open"
		case callCtx.Err() == context.DeadlineExceeded:
			reason = "timeout"
		}
		if c.metrics != nil {
			c.metrics.ReductionCallsTotal.WithLabelValues(reason).Inc()
			c.metrics.ReductionLatencySeconds.Observe(time.Since(start).Seconds())
		}
		return Provenance{
			SterlingProcessed: false,
			EnvelopeID:        env.EnvelopeID,
			IsExecutable:      false,
			BlockReason:       reason,
			DurationMs:        durationMs,
			SterlingError:     reason,
		}
	}

	resp := result.(Response)
	if c.metrics != nil {
		c.metrics.ReductionCallsTotal.WithLabelValues("ok").Inc()
		c.metrics.ReductionLatencySeconds.Observe(time.Since(start).Seconds())
	}
	return Provenance{
		SterlingProcessed: true,
		EnvelopeID:        env.EnvelopeID,
		ReducerResult:     resp.ReducerResult,
		IsExecutable:      resp.IsExecutable,
		BlockReason:       resp.BlockReason,
		DurationMs:        durationMs,
	}
}

func (c *Client) degraded(envelopeID, reason string, start time.Time) Provenance {
	if c.metrics != nil {
		c.metrics.ReductionCallsTotal.WithLabelValues(reason).Inc()
	}
	return Provenance{
		SterlingProcessed: false,
		EnvelopeID:        envelopeID,
		IsExecutable:      false,
		BlockReason:       reason,
		DurationMs:        time.Since(start).Milliseconds(),
		SterlingError:     reason,
	}
}

// heartbeatLoop pings the transport every HeartbeatMs; after a failed ping
// it waits an exponential backoff with jitter before the next one (spec
// 4.5's "ping/heartbeat every H ms; reconnection: exponential backoff with
// jitter"). It does not redial; reconnection is left to the transport.
func (c *Client) heartbeatLoop() {
	interval := c.cfg.Heartbeat()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout())
			err := c.transport.Ping(ctx)
			cancel()
			if err != nil {
				if c.log != nil {
					c.log.Warn("reduction authority heartbeat failed", zap.Error(err))
				}
				delay := c.backoffGen.next()
				time.Sleep(delay)
				continue
			}
			c.backoffGen.reset()
		case <-c.heartbeatStop:
			return
		}
	}
}

// Close stops the heartbeat loop and closes the transport.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.heartbeatOnce.Do(func() { close(c.heartbeatStop) })
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

// backoff implements exponential backoff with full jitter.
type backoff struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := float64(b.base) * math.Pow(2, float64(b.attempt))
	if d > float64(b.max) {
		d = float64(b.max)
	}
	b.attempt++

	n, err := rand.Int(rand.Reader, big.NewInt(int64(d)+1))
	if err != nil {
		return time.Duration(d)
	}
	return time.Duration(n.Int64())
}

func (b *backoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
