// Package ffprobe provides a typed wrapper around ffprobe JSON output for
// audio artifacts.
//
// Prober runs the executable (or an injected runner in tests) and Result
// exposes the audio properties the conversion pipeline records: duration,
// sample rate and channel count of the first audio stream.
package ffprobe
