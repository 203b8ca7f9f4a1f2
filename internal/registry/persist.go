package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"voxmerge/internal/fileutil"
	"voxmerge/internal/fingerprint"
	"voxmerge/internal/logging"
)

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read registry: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse registry: %w", err)
	}
	if doc.Version > documentVersion {
		s.logger.Warn("registry written by a newer version",
			logging.Int("version", doc.Version),
			logging.String(logging.FieldEventType, "registry_version_ahead"),
			logging.String(logging.FieldImpact, "unknown fields will be dropped on next flush"))
	}
	if doc.Files == nil {
		doc.Files = make(map[fingerprint.Fingerprint]Entry)
	}
	if doc.Transcripts == nil {
		doc.Transcripts = make(map[fingerprint.Fingerprint]TranscriptRecord)
	}
	for fp, entry := range doc.Files {
		if entry.Fingerprint == "" {
			entry.Fingerprint = fp
			doc.Files[fp] = entry
		}
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now().UTC()
	}
	doc.Version = documentVersion
	s.doc = doc

	s.logger.Debug("loaded registry",
		logging.Int("file_count", len(doc.Files)),
		logging.Int("transcript_count", len(doc.Transcripts)),
		logging.String(logging.FieldPath, s.path))
	return nil
}

// preserveCorrupt moves the unreadable document aside so it can be inspected.
func (s *Store) preserveCorrupt() string {
	target := fmt.Sprintf("%s.corrupt-%s", s.path, s.now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(s.path, target); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to preserve corrupt registry", logging.Error(err), logging.String(logging.FieldPath, s.path))
		}
		return ""
	}
	return target
}

func marshalDocument(doc document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal registry: %w", err)
	}
	return append(data, '\n'), nil
}

func writeAtomic(path string, data []byte) error {
	return fileutil.WriteFileAtomic(path, data, 0o644)
}
