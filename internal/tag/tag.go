//go:build !debug

// Package tag exposes build tags as constants.
package tag

// Debug is true when built with the debug tag. Invariant checks that would
// panic in debug builds are logged and clamped otherwise.
const Debug = false
