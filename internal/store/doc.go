// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// Two interfaces split the surface by caller:
//
//   - ProfileStore: what the request path needs (profile lookup with
//     daily rollover and subscription expiry, usage counters, custom functions)
//   - AdminStore: what operator tooling needs (plan, model, sampling and ban
//     changes, usage history, function management, audit log)
//
// Store combines both. SQLiteStore and MockStore implement it.
//
// # Data Models
//
//   - User: profile, plan, model parameters and today's counters
//   - DailyUsage: one row per user per local calendar day
//   - CustomFunction: a user-defined function schema passed to the model
//   - AuditEntry: an operator action against a user
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as RFC3339 UTC text. Daily counters roll over on the
// local calendar day.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	store := store.NewMockStore()
//
// Use NewSQLiteStore(":memory:", store.Options{}) for integration tests with
// real SQLite.
//
// # Migrations
//
// Columns added after the first schema are applied on open by runMigrations,
// which checks pragma_table_info before each ALTER TABLE.
package store
