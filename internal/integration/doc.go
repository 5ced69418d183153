// Package integration provides cross-package integration tests for bildir.
// These tests drive the spool, runner, supervisor and store together the way
// the serve command wires them.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
