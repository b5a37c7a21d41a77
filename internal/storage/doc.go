// Package storage persists tasks, their logs, user credentials, system
// config rows and notifier dedup state.
//
// Drivers:
//   - memory: process-local maps, nothing survives a restart
//   - file: memory plus an atomic JSON snapshot and a JSONL log journal
//   - sqlite: modernc.org/sqlite, schema embedded
//   - postgres: pgx connection pool
package storage
