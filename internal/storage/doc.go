// Package storage persists what must survive a restart: the pending-write
// journal, the operator audit log and notifier dedup state.
//
// Drivers:
//   - "file": JSON snapshots with atomic rename plus JSON Lines journals
//   - "sqlite": embedded SQLite database (modernc.org/sqlite, no cgo)
//   - "postgres": shared PostgreSQL database (lib/pq)
//   - "none" or empty: storage disabled
package storage
