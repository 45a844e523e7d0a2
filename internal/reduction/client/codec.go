// Package client is the Semantic Reduction Client (C5): the only gateway
// to the external semantic authority. Grounded on internal/gossip/server.go's
// grpc transport shape and internal/governance/constitutional.go's
// fail-closed posture, adapted from a server to a client role.
package client

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets a plain grpc.ClientConn call a JSON-speaking service
// without protoc-generated stubs — no code generator is available in this
// environment, and fabricating hand-written .pb.go stubs behind a replace
// directive would be worse than using grpc-go's real non-protobuf escape
// hatch: a Codec registered under a content subtype, selected per-call via
// grpc.CallContentSubtype. This is a real, documented grpc-go mechanism
// (encoding.Codec + encoding.RegisterCodec), not a fabricated dependency.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("reduction client: json marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("reduction client: json unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }

// CodecName is the content-subtype this codec is registered under.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
