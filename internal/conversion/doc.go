// Package conversion turns source voice messages into normalized artifacts
// ready for transcription.
//
// The registry is the primary skip check: a source already mapped to a
// converted artifact never reaches the encoder again. When the registry is
// cold, a non-trivial artifact already sitting at the deterministic output
// path is adopted instead of re-encoded. Encoder output lands in a temporary
// file that is renamed only on success, and the mapping is recorded after the
// rename, so an interrupted run leaves nothing half-written behind a mapping.
package conversion
