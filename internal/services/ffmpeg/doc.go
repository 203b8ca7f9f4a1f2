// Package ffmpeg wraps the ffmpeg executable as the audio encoder used by the
// conversion pipeline. Invocations carry a hard timeout and a command runner
// hook so tests can substitute the process.
package ffmpeg
