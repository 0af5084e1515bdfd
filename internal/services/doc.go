// Package services defines shared utilities consumed by the pipeline
// orchestration components.
//
// Key responsibilities:
//   - Context helpers that stamp work unit IDs, stage names, batch IDs, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that keep failure
//     classification (validation, not found, conflict, storage, payload,
//     safety) consistent across dispatch, batch, and worker code.
//
// Use these helpers when wiring new orchestration logic so operational
// behaviour (error handling, observability, retries) stays uniform.
package services
