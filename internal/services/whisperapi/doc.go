// Package whisperapi is the speech-to-text client used by the transcription
// pipeline. It speaks the OpenAI-compatible /audio/transcriptions endpoint
// through the official openai-go SDK with SDK retries disabled; the pipeline
// owns retry and backoff so attempts stay observable and bounded.
package whisperapi
