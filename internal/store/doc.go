// Package store provides persistent records for the gateway using SQLite.
//
// # Records
//
//   - Website: calling site with hashed key pair, salt, AI group and flags
//   - Agent: human-agent messenger endpoint
//   - ModelClient: AI backend of the model pool
//   - Archive: index row for an archived conversation file
//
// Websites, agents and model clients are read at startup and on reload;
// nothing on the per-message path touches the database except login.
//
// # SQLite Configuration
//
// Two drivers are supported, selected by database.driver:
//
//   - sqlite: modernc.org/sqlite, pure Go (default)
//   - sqlite3: github.com/mattn/go-sqlite3, cgo
//
// Both run with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Errors
//
//   - ErrNotFound: requested record does not exist
//   - ErrDuplicate: unique key already taken
//
// All methods accept context.Context for cancellation support.
//
// # Migrations
//
// The schema is created on open and column migrations are applied
// idempotently, so older databases keep working.
package store
