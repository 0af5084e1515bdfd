// Package queue persists the pipeline's durable state in SQLite and exposes
// helpers for driving its lifecycle.
//
// The Store manages database connections, schema initialization, the priority
// queue (atomic claim, release, completion, failure capture), the work item
// dedup registry, per-segment processing records, batch rows, and the
// stats/maintenance queries the health monitor aggregates.
//
// The database is treated as transient storage for in-flight work rather than
// a long-term archive. Schema changes bump the version in schema.go; users
// clear the database to adopt the new schema.
//
// Treat this package as the single source of truth for queue semantics; when
// you add new statuses or metadata fields, update schema.sql and bump
// schemaVersion.
package queue
