// Package storage persists the delivery ledger and failure records.
//
// Drivers:
//   - "file": JSONL journal + snapshot, no external services
//   - "sqlite": modernc SQLite with darwin-managed schema
//   - "redis": shared ledger keyed by bucket, with a sorted-set index
package storage
