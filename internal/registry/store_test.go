package registry_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"voxmerge/internal/failures"
	"voxmerge/internal/fingerprint"
	"voxmerge/internal/logging"
	"voxmerge/internal/medianame"
	"voxmerge/internal/registry"
)

func fixedClock() func() time.Time {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func openStore(t *testing.T, path string) *registry.Store {
	t.Helper()
	return registry.Open(path, logging.NewNop(), registry.WithClock(fixedClock()))
}

func observe(t *testing.T, store *registry.Store, fp, path, contact string) {
	t.Helper()
	_, err := store.RecordSource(registry.SourceObservation{
		Fingerprint: fingerprint.Fingerprint(fp),
		Path:        path,
		Contact:     contact,
		Direction:   medianame.DirectionOf(path),
		Kind:        "audio",
		Size:        100,
	})
	if err != nil {
		t.Fatalf("RecordSource: %v", err)
	}
}

func TestRecordSourceIsUpsert(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "registry.json"))
	observe(t, store, "aaa", "alice/received_1.opus", "alice")
	observe(t, store, "aaa", "bob/received_copy.opus", "bob")

	entries := store.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Path != "bob/received_copy.opus" {
		t.Fatalf("expected last seen path to update, got %s", entry.Path)
	}
	if entry.Contact != "alice" {
		t.Fatalf("owning contact should stay with the first observation, got %s", entry.Contact)
	}
	if entry.Role != registry.RoleSource || entry.Direction != medianame.Received {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestConcurrentSameFingerprintResolvesToOneEntry(t *testing.T) {
	store := openStore(t, "")
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = store.RecordSource(registry.SourceObservation{
				Fingerprint: "same",
				Path:        fmt.Sprintf("dup_%d.opus", i),
				Size:        10,
			})
		}(i)
	}
	wg.Wait()
	if got := store.Stats().Files; got != 1 {
		t.Fatalf("expected one entry, got %d", got)
	}
}

func TestRecordConversionOverwrites(t *testing.T) {
	store := openStore(t, "")
	observe(t, store, "src", "alice/received_1.opus", "alice")

	if err := store.RecordConversion("src", "out/a.mp3", "conv1"); err != nil {
		t.Fatalf("RecordConversion: %v", err)
	}
	if err := store.RecordConversion("src", "out/b.mp3", "conv2"); err != nil {
		t.Fatalf("RecordConversion: %v", err)
	}
	rec, ok := store.Conversion("src")
	if !ok || rec.Converted != "conv2" || rec.ConvertedPath != "out/b.mp3" {
		t.Fatalf("expected latest mapping, got %+v %v", rec, ok)
	}
	artifact, ok := store.Lookup("conv2")
	if !ok || artifact.Role != registry.RoleConverted || artifact.SourceFingerprint != "src" {
		t.Fatalf("unexpected artifact entry %+v", artifact)
	}
	if err := store.RecordConversion("missing", "x.mp3", "c"); !errors.Is(err, registry.ErrUnknownFingerprint) {
		t.Fatalf("expected ErrUnknownFingerprint, got %v", err)
	}
}

func TestRecordTranscriptFirstWins(t *testing.T) {
	store := openStore(t, "")
	observe(t, store, "src", "alice/received_1.opus", "alice")
	if err := store.RecordConversion("src", "out/a.mp3", "conv"); err != nil {
		t.Fatal(err)
	}

	if _, err := store.RecordTranscript("src", "   ", time.Time{}, registry.TranscriptMeta{}); !errors.Is(err, registry.ErrEmptyTranscript) {
		t.Fatalf("expected ErrEmptyTranscript, got %v", err)
	}
	stored, err := store.RecordTranscript("src", " bonjour ", time.Time{}, registry.TranscriptMeta{Language: "fr", Model: "whisper-1"})
	if err != nil || !stored {
		t.Fatalf("first transcript should be stored: %v %v", stored, err)
	}
	stored, err = store.RecordTranscript("src", "other", time.Time{}, registry.TranscriptMeta{})
	if err != nil || stored {
		t.Fatalf("second transcript should be a no-op: %v %v", stored, err)
	}

	rec, ok := store.Transcript("src")
	if !ok || rec.Text != "bonjour" || rec.Language != "fr" {
		t.Fatalf("unexpected transcript %+v", rec)
	}
	viaArtifact, ok := store.Transcript("conv")
	if !ok || viaArtifact.Text != "bonjour" {
		t.Fatal("converted fingerprint should resolve through its source")
	}
}

func TestTranscriptOwnerIsTheSourceEntry(t *testing.T) {
	store := openStore(t, "")
	if _, err := store.RecordTranscript("ghost", "orphan", time.Time{}, registry.TranscriptMeta{}); !errors.Is(err, registry.ErrUnknownFingerprint) {
		t.Fatalf("expected ErrUnknownFingerprint, got %v", err)
	}
	observe(t, store, "src", "alice/received_1.opus", "alice")
	if _, err := store.RecordTranscript("src", "bonjour", time.Time{}, registry.TranscriptMeta{}); err != nil {
		t.Fatal(err)
	}
	entry, ok := store.Lookup("src")
	if !ok || entry.Role != registry.RoleSource {
		t.Fatalf("owner entry = %+v", entry)
	}
	if records := store.Transcripts(); len(records) != 1 || records[0].Fingerprint != "src" {
		t.Fatalf("transcripts = %+v", records)
	}
	if st := store.Stats(); st.Files != 1 || st.Sources != 1 || st.Transcripts != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestFlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "registry.json")
	store := openStore(t, path)
	observe(t, store, "src", "alice/received_1.opus", "alice")
	observe(t, store, "src2", "alice/sent_2.opus", "alice")
	if err := store.RecordConversion("src", "out/a.mp3", "conv"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.RecordTranscript("src", "salut", time.Time{}, registry.TranscriptMeta{}); err != nil {
		t.Fatal(err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if store.Dirty() {
		t.Fatal("store should be clean after flush")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("registry is not valid json: %v", err)
	}
	for _, key := range []string{"version", "files", "transcripts", "contacts", "created_at", "updated_at"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("missing top-level section %q", key)
		}
	}

	reloaded := openStore(t, path)
	if reloaded.LoadIssue() != nil {
		t.Fatalf("unexpected load issue: %v", reloaded.LoadIssue())
	}
	if rec, ok := reloaded.Transcript("src"); !ok || rec.Text != "salut" {
		t.Fatalf("transcript lost across reload: %+v", rec)
	}
	contacts := reloaded.Contacts()
	if len(contacts) != 1 {
		t.Fatalf("expected one contact, got %+v", contacts)
	}
	got := contacts[0]
	if got.Contact != "alice" || got.AudioFiles != 2 || got.TranscribedFiles != 1 || got.Sent != 1 || got.Received != 1 || got.ConvertedFiles != 1 {
		t.Fatalf("unexpected contact stats %+v", got)
	}
}

func TestUnknownFieldsAreIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	doc := `{"version":2,"future_section":{"x":1},"files":{"abc":{"fingerprint":"abc","role":"source","path":"a.opus","size":3,"extra":"y"}},"transcripts":{}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	store := openStore(t, path)
	if store.LoadIssue() != nil {
		t.Fatalf("unexpected load issue: %v", store.LoadIssue())
	}
	if _, ok := store.Lookup("abc"); !ok {
		t.Fatal("expected entry to load")
	}
}

func TestCorruptRegistryDegradesToEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := openStore(t, path)

	if kind, ok := failures.KindOf(store.LoadIssue()); !ok || kind != failures.RegistryCorrupt {
		t.Fatalf("expected registry_corrupt, got %v", store.LoadIssue())
	}
	if store.Stats().Files != 0 {
		t.Fatal("expected empty store")
	}
	matches, err := filepath.Glob(path + ".corrupt-*")
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected preserved corrupt file, got %v %v", matches, err)
	}
	observe(t, store, "x", "x.opus", "")
	if err := store.Flush(); err != nil {
		t.Fatalf("flush after degrade: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), `"x"`) {
		t.Fatalf("expected fresh document, got %s", raw)
	}
}

func TestRemoveIsExplicit(t *testing.T) {
	store := openStore(t, "")
	observe(t, store, "src", "a.opus", "alice")
	if err := store.RecordConversion("src", "a.mp3", "conv"); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove("conv"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := store.Conversion("src"); ok {
		t.Fatal("removing the artifact should drop the mapping")
	}
	if _, ok := store.Lookup("src"); !ok {
		t.Fatal("source must survive")
	}
	if err := store.Remove("conv"); !errors.Is(err, registry.ErrUnknownFingerprint) {
		t.Fatalf("expected ErrUnknownFingerprint, got %v", err)
	}
}

func TestFlushSkipsCleanStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	store := openStore(t, path)
	if err := store.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("clean store should not write, stat err=%v", err)
	}
}
