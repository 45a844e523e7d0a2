package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Transport is the wire-level call the circuit breaker wraps. Abstracted
// so tests can substitute a fake without a real grpc dial, and so a future
// transport (e.g. Unix socket) can be dropped in without touching the
// breaker/backoff logic in client.go.
type Transport interface {
	Call(ctx context.Context, req Envelope) (Response, error)
	Ping(ctx context.Context) error
	Close() error
}

// grpcTransport invokes a single unary RPC against the semantic authority
// using the JSON codec registered in codec.go — no protoc-generated stub
// is needed because grpc.ClientConn.Invoke takes the method name as a
// plain string and marshals/unmarshals through the registered codec.
type grpcTransport struct {
	conn       *grpc.ClientConn
	reduceRPC  string
	healthRPC  string
}

// NewGRPCTransport dials target (e.g. "sterling.internal:7443") with the
// JSON codec selected as the call's content subtype. Dialing is
// non-blocking (grpc-go lazily connects); Ping exercises the connection.
func NewGRPCTransport(target string) (Transport, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("reduction client: dial %q: %w", target, err)
	}
	return &grpcTransport{
		conn:      conn,
		reduceRPC: "/sterling.v1.SemanticAuthority/Reduce",
		healthRPC: "/sterling.v1.SemanticAuthority/HealthCheck",
	}, nil
}

func (t *grpcTransport) Call(ctx context.Context, req Envelope) (Response, error) {
	var resp Response
	if err := t.conn.Invoke(ctx, t.reduceRPC, wireRequest{Envelope: req}, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (t *grpcTransport) Ping(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	return t.conn.Invoke(ctx, t.healthRPC, struct{}{}, &resp)
}

func (t *grpcTransport) Close() error { return t.conn.Close() }
