// Package main hosts the lectern CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into queue
// inspection, batch lifecycle operations, segment approvals, failure
// escalation, health reporting, and configuration scaffolding. It centralizes
// configuration resolution and store access so subcommands can focus on user
// experience instead of wiring.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
