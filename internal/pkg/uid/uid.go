// Package uid provides identifier generators behind small interfaces so
// callers can swap in deterministic implementations for tests.
package uid

// StringID generates opaque string identifiers.
type StringID interface {
	Generate() string
}
