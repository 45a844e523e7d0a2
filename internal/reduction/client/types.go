package client

// Envelope is the immutable input to reduce() (spec §3).
type Envelope struct {
	EnvelopeID        string   `json:"envelopeId"`
	SchemaVersion     string   `json:"schemaVersion"`
	SanitizedText     string   `json:"sanitizedText"`
	SanitizationFlags []string `json:"sanitizationFlags"`
	Markers           []string `json:"markers"`
	ContextDigest     string   `json:"contextDigest"`
}

// wireRequest is the JSON body sent to the semantic authority over the
// grpc+json codec transport.
type wireRequest struct {
	Envelope Envelope `json:"envelope"`
}

// Response is the JSON body a Transport returns from Call — exported so
// fake/test transports outside this package can construct one. Kept
// separate from Provenance so the wire shape can evolve (an extra field
// added by the authority) without touching the core's domain types.
type Response struct {
	ReducerResult any    `json:"reducerResult"`
	IsExecutable  bool   `json:"isExecutable"`
	BlockReason   string `json:"blockReason"`
}

// Provenance is the output of reduce() (spec §3 ReductionProvenance).
// ReducerResult is opaque: the core never destructures or interprets it
// beyond the two booleans it's built from (I-BOUNDARY-1).
type Provenance struct {
	SterlingProcessed bool
	EnvelopeID        string
	ReducerResult     any
	IsExecutable      bool
	BlockReason       string
	DurationMs        int64
	SterlingError     string
}

// ConnState is the client's connectivity/circuit snapshot, named per spec
// 4.5 ("state transitions (connected, connecting, open, half-open) emit
// telemetry").
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnConnected  ConnState = "connected"
	ConnHalfOpen   ConnState = "half-open"
	ConnOpen       ConnState = "open"
)
