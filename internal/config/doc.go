// Package config loads, normalizes, and validates lectern configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config type centralizes every knob the
// daemon and CLI need: data/artifact directories, queue polling cadence,
// retry limits, and the queue health thresholds.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
