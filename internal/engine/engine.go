// Package engine provides the build matrix orchestrator for blast.
//
// The implementation is split across files:
//   - matrix.go: project scheduling and the per-project state machine
//   - factory.go: construction of the default dependencies
//   - safegroup.go: panic-safe concurrency for parallel shards
package engine
