// Package storage persists messages, jobs, per-user queue days, content and
// the operator audit log.
//
// Drivers:
//   - "memory": process-local maps, for tests and single-shot CLI runs
//   - "sqlite": embedded database file (modernc.org/sqlite, no cgo)
//   - "postgres": shared server database (pgx), for several dispatchers
package storage
