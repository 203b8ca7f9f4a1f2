package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"voxmerge/internal/failures"
	"voxmerge/internal/fingerprint"
	"voxmerge/internal/logging"
	"voxmerge/internal/medianame"
)

var (
	// ErrUnknownFingerprint is returned when a mutation references a fingerprint never recorded.
	ErrUnknownFingerprint = errors.New("unknown fingerprint")
	// ErrEmptyTranscript is returned when a transcript has no text.
	ErrEmptyTranscript = errors.New("empty transcript")
)

const lockTimeout = 30 * time.Second

// Store is the in-memory registry with explicit persistence. It is safe for
// concurrent use.
type Store struct {
	path   string
	logger *slog.Logger
	lock   *flock.Flock
	now    func() time.Time

	flushMu   sync.Mutex
	mu        sync.RWMutex
	doc       document
	dirty     bool
	loadIssue error
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open loads the registry at path. A missing file yields an empty store. A
// corrupt file is preserved as <path>.corrupt-<timestamp>, a warning is
// logged, and the store starts empty; LoadIssue then reports the problem.
// An empty path yields a memory-only store whose Flush is a no-op.
func Open(path string, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		path:   strings.TrimSpace(path),
		logger: logging.NewComponentLogger(logger, "registry"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.doc = newDocument(s.now().UTC())
	if s.path == "" {
		return s
	}
	s.lock = flock.New(s.path + ".lock")

	if err := s.load(); err != nil {
		s.loadIssue = failures.New(failures.RegistryCorrupt, "load registry", s.path, err)
		preserved := s.preserveCorrupt()
		logging.WarnWithContext(s.logger, "registry unreadable, starting empty", string(failures.RegistryCorrupt),
			logging.String(logging.FieldPath, s.path),
			logging.String("preserved_as", preserved),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, failures.RegistryCorrupt.Remediation()),
			logging.String(logging.FieldImpact, "cached conversions and transcripts will be redone"))
	}
	return s
}

// Path returns the document path.
func (s *Store) Path() string { return s.path }

// LoadIssue returns the RegistryCorrupt failure raised at load, if any.
func (s *Store) LoadIssue() error { return s.loadIssue }

// Lookup returns the entry for fp.
func (s *Store) Lookup(fp fingerprint.Fingerprint) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.doc.Files[fp]
	return entry, ok
}

// RecordSource upserts a source observation. Repeated observations of the
// same content update the last-seen path and time; they never duplicate.
func (s *Store) RecordSource(obs SourceObservation) (Entry, error) {
	if obs.Fingerprint == "" {
		return Entry{}, errors.New("record source: fingerprint is required")
	}
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.doc.Files[obs.Fingerprint]
	if !exists {
		entry = Entry{Fingerprint: obs.Fingerprint, Role: RoleSource, FirstSeen: now}
	}
	if entry.Role == "" {
		entry.Role = RoleSource
	}
	if obs.Path != "" {
		entry.Path = obs.Path
	}
	if obs.Size > 0 {
		entry.Size = obs.Size
	}
	if obs.Contact != "" && entry.Contact == "" {
		entry.Contact = obs.Contact
	}
	if obs.Direction != "" && entry.Direction == "" {
		entry.Direction = obs.Direction
	}
	if obs.Kind != "" {
		entry.Kind = obs.Kind
	}
	entry.LastSeen = now
	s.doc.Files[obs.Fingerprint] = entry
	s.dirty = true
	return entry, nil
}

// RecordConversion maps source to its converted artifact, replacing any
// earlier mapping. The artifact gets its own converted-role entry.
func (s *Store) RecordConversion(source fingerprint.Fingerprint, convertedPath string, converted fingerprint.Fingerprint) error {
	if converted == "" {
		return errors.New("record conversion: converted fingerprint is required")
	}
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.doc.Files[source]
	if !ok {
		return fmt.Errorf("record conversion %s: %w", source.Short(12), ErrUnknownFingerprint)
	}
	entry.ConvertedFingerprint = converted
	entry.ConvertedPath = convertedPath
	entry.ConvertedAt = now
	s.doc.Files[source] = entry

	artifact, exists := s.doc.Files[converted]
	if !exists {
		artifact = Entry{Fingerprint: converted, Role: RoleConverted, FirstSeen: now, Kind: "audio"}
	}
	if artifact.Role == "" {
		artifact.Role = RoleConverted
	}
	if artifact.Role == RoleConverted {
		artifact.SourceFingerprint = source
		artifact.Path = convertedPath
		artifact.Contact = entry.Contact
		artifact.Direction = entry.Direction
	}
	artifact.LastSeen = now
	s.doc.Files[converted] = artifact
	s.dirty = true
	return nil
}

// SetDuration records the probed duration of a file.
func (s *Store) SetDuration(fp fingerprint.Fingerprint, seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.doc.Files[fp]
	if !ok || seconds <= 0 {
		return
	}
	entry.DurationSeconds = seconds
	s.doc.Files[fp] = entry
	s.dirty = true
}

// RecordTranscript stores text for source. The first non-empty transcript
// wins: a later call for the same fingerprint is a no-op and reports false.
func (s *Store) RecordTranscript(source fingerprint.Fingerprint, text string, producedAt time.Time, meta TranscriptMeta) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, fmt.Errorf("record transcript %s: %w", source.Short(12), ErrEmptyTranscript)
	}
	if producedAt.IsZero() {
		producedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Files[source]; !ok {
		return false, fmt.Errorf("record transcript %s: %w", source.Short(12), ErrUnknownFingerprint)
	}
	if existing, ok := s.doc.Transcripts[source]; ok && strings.TrimSpace(existing.Text) != "" {
		return false, nil
	}
	s.doc.Transcripts[source] = TranscriptRecord{
		Fingerprint: source,
		Text:        text,
		ProducedAt:  producedAt.UTC(),
		Language:    meta.Language,
		Model:       meta.Model,
	}
	s.dirty = true
	return true, nil
}

// Transcript returns the transcript recorded for fp. A converted fingerprint
// resolves through its source.
func (s *Store) Transcript(fp fingerprint.Fingerprint) (TranscriptRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if record, ok := s.doc.Transcripts[fp]; ok && record.Text != "" {
		return record, true
	}
	if entry, ok := s.doc.Files[fp]; ok && entry.Role == RoleConverted && entry.SourceFingerprint != "" {
		record, ok := s.doc.Transcripts[entry.SourceFingerprint]
		return record, ok && record.Text != ""
	}
	return TranscriptRecord{}, false
}

// Conversion returns the current conversion mapping for a source fingerprint.
func (s *Store) Conversion(source fingerprint.Fingerprint) (ConversionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.doc.Files[source]
	if !ok || entry.ConvertedFingerprint == "" {
		return ConversionRecord{}, false
	}
	return ConversionRecord{
		Source:        source,
		Converted:     entry.ConvertedFingerprint,
		ConvertedPath: entry.ConvertedPath,
		ConvertedAt:   entry.ConvertedAt,
	}, true
}

// Entries returns every entry ordered by path then fingerprint.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.doc.Files))
	for _, entry := range s.doc.Files {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Path != entries[j].Path {
			return entries[i].Path < entries[j].Path
		}
		return entries[i].Fingerprint < entries[j].Fingerprint
	})
	return entries
}

// Transcripts returns every transcript ordered by fingerprint.
func (s *Store) Transcripts() []TranscriptRecord {
	s.mu.RLock()
	records := make([]TranscriptRecord, 0, len(s.doc.Transcripts))
	for _, record := range s.doc.Transcripts {
		records = append(records, record)
	}
	s.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].Fingerprint < records[j].Fingerprint })
	return records
}

// Contacts returns per-contact statistics ordered by contact name.
func (s *Store) Contacts() []ContactStats {
	s.mu.RLock()
	stats := s.contactStatsLocked()
	s.mu.RUnlock()
	out := make([]ContactStats, 0, len(stats))
	for name, st := range stats {
		st.Contact = name
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contact < out[j].Contact })
	return out
}

// Stats returns registry totals.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Files: len(s.doc.Files)}
	contacts := make(map[string]struct{})
	for _, entry := range s.doc.Files {
		switch entry.Role {
		case RoleSource:
			st.Sources++
		case RoleConverted:
			st.Converted++
		}
		if entry.Contact != "" {
			contacts[entry.Contact] = struct{}{}
		}
	}
	for _, record := range s.doc.Transcripts {
		if record.Text != "" {
			st.Transcripts++
		}
	}
	st.Contacts = len(contacts)
	return st
}

// Remove deletes fp and everything keyed by it. It is an explicit operator
// action; pipelines never call it.
func (s *Store) Remove(fp fingerprint.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.doc.Files[fp]
	if !ok {
		return fmt.Errorf("remove %s: %w", fp.Short(12), ErrUnknownFingerprint)
	}
	delete(s.doc.Files, fp)
	delete(s.doc.Transcripts, fp)
	if entry.Role == RoleConverted && entry.SourceFingerprint != "" {
		if source, ok := s.doc.Files[entry.SourceFingerprint]; ok && source.ConvertedFingerprint == fp {
			source.ConvertedFingerprint = ""
			source.ConvertedPath = ""
			source.ConvertedAt = time.Time{}
			s.doc.Files[entry.SourceFingerprint] = source
		}
	}
	s.dirty = true
	s.logger.Info("registry entry removed",
		logging.Fingerprint(string(fp)),
		logging.String(logging.FieldPath, entry.Path),
		logging.String(logging.FieldEventType, "registry_entry_removed"))
	return nil
}

// Dirty reports whether there are unflushed mutations.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Flush persists the document if it changed since the last flush.
func (s *Store) Flush() error {
	if s.path == "" {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	dirty := s.dirty
	s.mu.RUnlock()
	if !dirty {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("flush registry: create directory: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("flush registry: acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("flush registry: lock %s held by another process", s.lock.Path())
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release registry lock", logging.Error(err))
		}
	}()

	// Writers wait for the snapshot; the dirty flag is cleared only for the state written.
	s.mu.Lock()
	s.doc.UpdatedAt = s.now().UTC()
	s.doc.Contacts = s.contactStatsLocked()
	data, err := marshalDocument(s.doc)
	if err == nil {
		s.dirty = false
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("flush registry: %w", err)
	}

	if err := writeAtomic(s.path, data); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("flush registry: %w", err)
	}
	s.logger.Debug("registry flushed", logging.String(logging.FieldPath, s.path), logging.Int("bytes", len(data)))
	return nil
}

func (s *Store) contactStatsLocked() map[string]ContactStats {
	stats := make(map[string]ContactStats)
	for fp, entry := range s.doc.Files {
		if entry.Role != RoleSource || entry.Contact == "" {
			continue
		}
		st := stats[entry.Contact]
		st.AudioFiles++
		if entry.ConvertedFingerprint != "" {
			st.ConvertedFiles++
		}
		if record, ok := s.doc.Transcripts[fp]; ok && record.Text != "" {
			st.TranscribedFiles++
		}
		switch entry.Direction {
		case medianame.Sent:
			st.Sent++
		case medianame.Received:
			st.Received++
		}
		stats[entry.Contact] = st
	}
	return stats
}
