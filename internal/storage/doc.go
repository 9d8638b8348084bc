// Package storage provides the key-value persistence used for task snapshots.
//
// Drivers:
//   - memory: process-local map (tests, ephemeral runs)
//   - file:   JSON snapshot + JSONL journal with periodic compaction
//   - sqlite: single kv table, versioned migrations
package storage
