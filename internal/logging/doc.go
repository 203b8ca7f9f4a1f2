// Package logging assembles structured slog loggers and formatting helpers used
// across voxmerge.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing (including size-based rotation of the log file), and exposes
// context-aware helpers so pipeline code can automatically tag log lines with
// the run identifier and stage. The package also provides a no-op logger for
// tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup to ensure new
// components emit data with the same shape and routing guarantees as the rest
// of the system.
package logging
