// Package language maps the language values voxmerge meets (configured
// codes, speech-to-text responses such as "french", French-language names
// typed by users) onto ISO 639-1 codes, which is what the transcription
// endpoint accepts and what the registry stores.
package language
