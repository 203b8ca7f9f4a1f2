package failures

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a per-item failure.
type Kind string

const (
	// Unreadable means the file vanished or could not be read during fingerprinting.
	Unreadable Kind = "unreadable"
	// ConversionFailed means the encoder exited non-zero, timed out, or produced no usable output.
	ConversionFailed Kind = "conversion_failed"
	// OversizeRejected means the artifact exceeds the speech-to-text upload limit.
	OversizeRejected Kind = "oversize_rejected"
	// TranscriptionFailed means every transcription attempt failed.
	TranscriptionFailed Kind = "transcription_failed"
	// RegistryCorrupt means the persisted registry could not be parsed at load.
	RegistryCorrupt Kind = "registry_corrupt"
	// AmbiguousReference means no fusion strategy resolved an audio reference.
	AmbiguousReference Kind = "ambiguous_reference"
)

// Kinds lists every kind in report order.
var Kinds = []Kind{
	Unreadable,
	ConversionFailed,
	OversizeRejected,
	TranscriptionFailed,
	RegistryCorrupt,
	AmbiguousReference,
}

// Remediation returns the operator hint for a kind.
func (k Kind) Remediation() string {
	switch k {
	case Unreadable:
		return "check file permissions or re-extract the archive"
	case ConversionFailed:
		return "re-run conversion; inspect the encoder output in the log"
	case OversizeRejected:
		return "split or re-encode the file below the upload limit, or ignore it"
	case TranscriptionFailed:
		return "re-run to retry transcription; check API key and connectivity"
	case RegistryCorrupt:
		return "cache was rebuilt from scratch; inspect the preserved .corrupt file"
	case AmbiguousReference:
		return "audio left as not transcribed; check the reference naming"
	default:
		return "check logs for details"
	}
}

// ErrorClassifier allows errors to declare their failure kind.
type ErrorClassifier interface {
	ErrorKind() string
}

// Error is a per-item failure tagged with its kind.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// New wraps err with a failure kind and operation context.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: strings.TrimSpace(op), Path: strings.TrimSpace(path), Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " %q", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind implements ErrorClassifier.
func (e *Error) ErrorKind() string { return string(e.Kind) }

// KindOf extracts the failure kind from err, if any error in its chain declares one.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		if kind := Kind(classifier.ErrorKind()); kind != "" {
			return kind, true
		}
	}
	return "", false
}
