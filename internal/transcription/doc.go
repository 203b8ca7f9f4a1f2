// Package transcription sends converted voice messages to the speech-to-text
// service and caches the text in the registry under the source fingerprint.
//
// Each distinct source fingerprint is sent at most once per run, and never
// again once a transcript is recorded. Oversized artifacts are rejected
// before any request. Failed requests are retried with exponential backoff
// (base delay doubling per attempt, capped) up to a configured ceiling;
// responses the service will never accept end the item immediately. Items
// are independent: one failure never cancels the others.
package transcription
