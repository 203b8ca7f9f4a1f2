// Package config loads, normalizes, and validates voxmerge configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// OPENAI_API_KEY. The Config type centralizes every knob the pipelines and CLI
// need: where the raw media tree lives, where converted artifacts and the
// registry are written, the encoder preset, and the speech-to-text service.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
