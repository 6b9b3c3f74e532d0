package messaging

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// ConfigError reports invalid construction-time configuration, such as a bad
// host/port or a hub with no layers registered. It is never retried and never
// subject to layer fallback.
type ConfigError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pkgmessage: %s: %v", e.Reason, e.Err)
	}
	return "pkgmessage: " + e.Reason
}

// Unwrap returns the underlying cause, if any.
func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionError reports a failure to reach or authenticate with a broker.
type ConnectionError struct {
	Kind Kind
	Addr string
	Err  error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("pkgmessage: %s connect %s: %v", e.Kind, e.Addr, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error { return e.Err }

// ValidationError reports a structured payload value that cannot be encoded
// to wire text. Key is the path of the offending value ("a.b[2].c").
type ValidationError struct {
	Key    string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("pkgmessage: value at %q is not encodable: %s", e.Key, e.Reason)
}

// LayerFailure records one layer's failure during an orchestrated operation.
type LayerFailure struct {
	Kind     Kind
	Priority int
	Err      error
}

// String renders the failure as it appears inside aggregate error messages.
func (f LayerFailure) String() string {
	return fmt.Sprintf("%s(priority %d): %v", f.Kind, f.Priority, f.Err)
}

// PublishError aggregates the per-layer failures of a publish whose every
// layer failed. Failures are ordered by attempt (ascending priority), so the
// message alone is enough for triage.
type PublishError struct {
	Topic    string
	Failures []LayerFailure
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	parts := lo.Map(e.Failures, func(f LayerFailure, _ int) string { return f.String() })
	return fmt.Sprintf("pkgmessage: publish to %q failed on all layers: %s", e.Topic, strings.Join(parts, "; "))
}

// Unwrap exposes every layer's error for errors.Is/As matching.
func (e *PublishError) Unwrap() []error {
	return lo.Map(e.Failures, func(f LayerFailure, _ int) error { return f.Err })
}

// ConsumeError aggregates the per-layer failures of a consume call whose
// every layer's session failed.
type ConsumeError struct {
	Topic    string
	Failures []LayerFailure
}

// Error implements the error interface.
func (e *ConsumeError) Error() string {
	parts := lo.Map(e.Failures, func(f LayerFailure, _ int) string { return f.String() })
	return fmt.Sprintf("pkgmessage: consume from %q failed on all layers: %s", e.Topic, strings.Join(parts, "; "))
}

// Unwrap exposes every layer's error for errors.Is/As matching.
func (e *ConsumeError) Unwrap() []error {
	return lo.Map(e.Failures, func(f LayerFailure, _ int) error { return f.Err })
}
