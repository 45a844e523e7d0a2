package telemetry

import (
	"time"

	"go.uber.org/zap"
)

// EventType names one of the structured events the cognitive core emits
// as log lines through Emitter (spec §3, §4.11).
type EventType string

const (
	EventTickCompleted       EventType = "tick_completed"
	EventSafeModeEntered     EventType = "safemode_entered"
	EventSafeModeExited      EventType = "safemode_exited"
	EventModuleDegraded      EventType = "module_degraded"
	EventCircuitStateChanged EventType = "circuit_state_changed"
	EventKeepaliveTick       EventType = "keepalive_tick"
	EventKeepaliveSkip       EventType = "keepalive_skip_not_idle"
	EventKeepaliveViolation  EventType = "keepalive_violation"
)

// Event is the structured record every emitted event carries — every
// field here is logged, never just the message string, so a downstream
// consumer (the ledger, an operator dashboard) can filter/correlate
// without string parsing.
type Event struct {
	Type          EventType
	SchemaVersion string
	TickID        string
	EnvelopeID    string
	At            time.Time
	Fields        map[string]any
}

// Emitter emits structured events to the configured logger only; it does
// not publish to the event bus's telemetry topic. Kept separate from Metrics so
// a caller needing only counters doesn't have to construct a logger.
type Emitter struct {
	log           *zap.Logger
	schemaVersion string
}

// NewEmitter constructs an Emitter. schemaVersion is stamped on every event.
func NewEmitter(log *zap.Logger, schemaVersion string) *Emitter {
	return &Emitter{log: log, schemaVersion: schemaVersion}
}

// Emit logs one structured event at Info level. correlationID is the
// tickId or envelopeId the event is scoped to, per spec's correlation
// requirement; pass "" when the event has no natural correlation key.
func (e *Emitter) Emit(evt EventType, correlationID string, fields map[string]any) {
	if e.log == nil {
		return
	}
	zfields := make([]zap.Field, 0, len(fields)+3)
	zfields = append(zfields,
		zap.String("event_type", string(evt)),
		zap.String("schema_version", e.schemaVersion),
		zap.String("correlation_id", correlationID),
	)
	for k, v := range fields {
		zfields = append(zfields, zap.Any(k, v))
	}
	e.log.Info(string(evt), zfields...)
}
