// Package pipeline wires the registry, the conversion and transcription
// pipelines, the fusion engine and the duplicate analyzer into the
// operations the CLI exposes.
//
// Every operation runs under a Runner.Track call: it gets a run identifier
// that is attached to every log line, its failures are gathered in one
// failures.Summary, and, when a journal is configured, the run and each
// failed item are recorded in SQLite.
//
// Process is the main entry point. It scans the media root, records every
// audio file in the registry, converts, transcribes and flushes. Running it
// twice over an unchanged tree makes no encoder or speech-to-text calls the
// second time.
package pipeline
