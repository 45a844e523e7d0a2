// Package corerr defines the error taxonomy shared across the cognitive
// core (spec §7). Every error kind is a closed, spec-named set; each is
// carried as a typed *Error rather than a sentinel value so that callers
// can recover the kind, a human-readable summary, and the correlation ID
// (envelope/tick) the error occurred against.
package corerr

import "fmt"

// Kind enumerates the error taxonomy from spec §7. Kinds are not Go error
// wrapper chains — they are the classification the arbiter uses to decide
// the next-tier fallback and the telemetry errorClass field.
type Kind string

const (
	// InvalidSignal — signal rejected by the signal processor; recovered locally.
	InvalidSignal Kind = "invalid_signal"

	// ModuleError — a module raised during execution; module may be marked degraded.
	ModuleError Kind = "module_error"

	// ModuleTimeout — a module's deadline was exceeded; contributes to Safe Mode.
	ModuleTimeout Kind = "module_timeout"

	// ReducerUnavailable — the semantic authority is unreachable or the circuit is open.
	ReducerUnavailable Kind = "reducer_unavailable"

	// ReducerMalformed — the semantic authority's response failed schema validation.
	ReducerMalformed Kind = "reducer_malformed"

	// BudgetViolation — a tick exceeded its deadline.
	BudgetViolation Kind = "budget_violation"

	// InvariantViolation — the eligibility gate's self-check failed. Fatal for the tick.
	InvariantViolation Kind = "invariant_violation"

	// ConfigError — startup-only configuration failure.
	ConfigError Kind = "config_error"
)

// Error is the typed error value carried for every Kind above. Satisfies
// the standard error interface; callers recover the Kind with errors.As.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string // envelopeId or tickId, when applicable
	Cause         error
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.CorrelationID, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.CorrelationID, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, correlationID, message string) *Error {
	return &Error{Kind: kind, CorrelationID: correlationID, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, correlationID, message string, cause error) *Error {
	return &Error{Kind: kind, CorrelationID: correlationID, Message: message, Cause: cause}
}
