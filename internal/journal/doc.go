// Package journal records run history in SQLite: one row per run with its
// per-stage counts, and one row per failed item with its failure kind.
//
// The registry stays the source of truth for what has been processed; the
// journal only answers "what went wrong last time, and what should I retry".
// Schema changes bump schemaVersion in schema.go; users delete the journal to
// adopt the new schema, since nothing in it is needed to resume work.
package journal
