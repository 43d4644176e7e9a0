// Package ledger implements the append-only custody log behind batch and
// product provenance.
//
// Each batch or product owns a chain of events keyed by its identifier. The
// first event of a chain has an empty parent; every later event records the
// digest of its predecessor, so any edit to a stored event is detectable via
// Verify.
//
// Three implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and single-node development.
//   - PostgresStore: durable, for production use.
//   - SQLiteStore: durable, embedded, for single-node deployments.
package ledger
