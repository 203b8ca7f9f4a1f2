package registry

import (
	"time"

	"voxmerge/internal/fingerprint"
	"voxmerge/internal/medianame"
)

// Role is the part a fingerprint plays in the pipeline. Transcript ownership
// is recorded in the transcripts section, keyed by the source fingerprint.
type Role string

const (
	RoleSource    Role = "source"
	RoleConverted Role = "converted"
)

// documentVersion is bumped when the on-disk layout changes incompatibly.
const documentVersion = 2

// Entry describes one distinct file content.
type Entry struct {
	Fingerprint          fingerprint.Fingerprint `json:"fingerprint"`
	Role                 Role                    `json:"role"`
	Path                 string                  `json:"path"`
	Size                 int64                   `json:"size"`
	Contact              string                  `json:"contact,omitempty"`
	Direction            medianame.Direction     `json:"direction,omitempty"`
	Kind                 string                  `json:"kind,omitempty"`
	SourceFingerprint    fingerprint.Fingerprint `json:"source_fingerprint,omitempty"`
	ConvertedFingerprint fingerprint.Fingerprint `json:"converted_fingerprint,omitempty"`
	ConvertedPath        string                  `json:"converted_path,omitempty"`
	ConvertedAt          time.Time               `json:"converted_at,omitzero"`
	DurationSeconds      float64                 `json:"duration_seconds,omitempty"`
	FirstSeen            time.Time               `json:"first_seen"`
	LastSeen             time.Time               `json:"last_seen"`
}

// SourceObservation is one sighting of a source media file.
type SourceObservation struct {
	Fingerprint fingerprint.Fingerprint
	Path        string
	Contact     string
	Direction   medianame.Direction
	Kind        string
	Size        int64
}

// ConversionRecord maps a source fingerprint to its current converted artifact.
type ConversionRecord struct {
	Source        fingerprint.Fingerprint
	Converted     fingerprint.Fingerprint
	ConvertedPath string
	ConvertedAt   time.Time
}

// TranscriptRecord is the transcript for a source fingerprint.
type TranscriptRecord struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Text        string                  `json:"text"`
	ProducedAt  time.Time               `json:"produced_at"`
	Language    string                  `json:"language,omitempty"`
	Model       string                  `json:"model,omitempty"`
}

// TranscriptMeta carries optional transcript attributes.
type TranscriptMeta struct {
	Language string
	Model    string
}

// ContactStats is per-contact bookkeeping derived from the entries.
type ContactStats struct {
	Contact          string `json:"-"`
	AudioFiles       int    `json:"audio_files"`
	ConvertedFiles   int    `json:"converted_files"`
	TranscribedFiles int    `json:"transcribed_files"`
	Sent             int    `json:"sent"`
	Received         int    `json:"received"`
}

// Stats summarises the registry.
type Stats struct {
	Files       int `json:"files"`
	Sources     int `json:"sources"`
	Converted   int `json:"converted"`
	Transcripts int `json:"transcripts"`
	Contacts    int `json:"contacts"`
}

type document struct {
	Version     int                                          `json:"version"`
	CreatedAt   time.Time                                    `json:"created_at"`
	UpdatedAt   time.Time                                    `json:"updated_at"`
	Files       map[fingerprint.Fingerprint]Entry            `json:"files"`
	Transcripts map[fingerprint.Fingerprint]TranscriptRecord `json:"transcripts"`
	Contacts    map[string]ContactStats                      `json:"contacts"`
}

func newDocument(now time.Time) document {
	return document{
		Version:     documentVersion,
		CreatedAt:   now,
		UpdatedAt:   now,
		Files:       make(map[fingerprint.Fingerprint]Entry),
		Transcripts: make(map[fingerprint.Fingerprint]TranscriptRecord),
		Contacts:    make(map[string]ContactStats),
	}
}
