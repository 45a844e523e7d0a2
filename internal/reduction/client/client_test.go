package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/config"
	"github.com/conscious-bot/core/internal/reduction/client"
)

func TestClient_NoTransportAlwaysFailsClosed(t *testing.T) {
	cfg := config.ReductionConfig{TimeoutMs: 500, CircuitFailThreshold: 5, CircuitCooldownMs: 1000, MaxConcurrent: 4, HeartbeatMs: 1000}
	c := client.New(cfg, nil, zap.NewNop(), nil)
	defer c.Close()

	p := c.Reduce(context.Background(), client.Envelope{EnvelopeID: "abc123"})
	require.False(t, p.SterlingProcessed)
	require.False(t, p.IsExecutable)
	require.Equal(t, "abc123", p.EnvelopeID)
	require.NotEmpty(t, p.SterlingError)
}

// stubTransport is a minimal Transport used to exercise the success and
// circuit-opening paths without a real network dial.
type stubTransport struct {
	executable bool
	err        error
	pingErr    error
}

func (s *stubTransport) Call(ctx context.Context, req client.Envelope) (client.Response, error) {
	if s.err != nil {
		return client.Response{}, s.err
	}
	return client.Response{IsExecutable: s.executable}, nil
}

func (s *stubTransport) Ping(ctx context.Context) error { return s.pingErr }
func (s *stubTransport) Close() error                   { return nil }

func TestClient_SuccessfulCallIsExecutable(t *testing.T) {
	cfg := config.ReductionConfig{TimeoutMs: 500, CircuitFailThreshold: 5, CircuitCooldownMs: 1000, MaxConcurrent: 4, HeartbeatMs: time.Hour.Milliseconds()}
	c := client.New(cfg, &stubTransport{executable: true}, zap.NewNop(), nil)
	defer c.Close()

	p := c.Reduce(context.Background(), client.Envelope{EnvelopeID: "e1"})
	require.True(t, p.SterlingProcessed)
	require.True(t, p.IsExecutable)
}

func TestClient_OpensCircuitAfterConsecutiveFailures(t *testing.T) {
	cfg := config.ReductionConfig{TimeoutMs: 50, CircuitFailThreshold: 2, CircuitCooldownMs: 60000, MaxConcurrent: 4, HeartbeatMs: time.Hour.Milliseconds()}
	c := client.New(cfg, &stubTransport{err: errors.New("boom")}, zap.NewNop(), nil)
	defer c.Close()

	for i := 0; i < 2; i++ {
		p := c.Reduce(context.Background(), client.Envelope{EnvelopeID: "e"})
		require.False(t, p.SterlingProcessed)
	}

	p := c.Reduce(context.Background(), client.Envelope{EnvelopeID: "e"})
	require.False(t, p.SterlingProcessed)
	require.Equal(t, "circuit_open", p.BlockReason)
}
