// Package failures defines the per-item failure taxonomy shared by every
// pipeline stage and the run summary that counts outcomes per kind.
//
// A failure is always local to the item that caused it: stages wrap the cause
// in an *Error carrying a Kind and keep going. Summary aggregates successes,
// skips and failures so the final report can suggest the right remediation
// (retry transcription, re-run conversion, ignore oversize files).
package failures
