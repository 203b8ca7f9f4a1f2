// Package registry is the durable, content-addressed store behind every
// pipeline stage.
//
// Entries are keyed by fingerprint and record each file's role, the
// source-to-converted mapping and the transcript for a source. The whole
// document lives in memory behind an RWMutex and is persisted by Flush with
// an atomic temp-file rename while holding a cross-process file lock. A
// corrupt document never blocks startup: it is preserved beside the registry
// and the store starts empty.
package registry
