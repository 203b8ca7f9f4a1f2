package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"voxmerge/internal/config"
	"voxmerge/internal/conversion"
	"voxmerge/internal/failures"
	"voxmerge/internal/fusion"
	"voxmerge/internal/journal"
	"voxmerge/internal/logging"
	"voxmerge/internal/medianame"
	"voxmerge/internal/pipeline"
	"voxmerge/internal/registry"
	"voxmerge/internal/services/whisperapi"
	"voxmerge/internal/testsupport"
)

const voiceID = "0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"

type fakeTranscriber struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, path string) (whisperapi.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return whisperapi.Result{}, err
	}
	return whisperapi.Result{Text: "texte de " + filepath.Base(path), Language: "fr"}, nil
}

func (f *fakeTranscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func seedMedia(t *testing.T, cfg *config.Config) {
	t.Helper()
	root := cfg.Paths.MediaRoot
	testsupport.WritePattern(t, filepath.Join(root, "Alice", "received_audio_"+voiceID+".opus"), 4096, 0x01)
	// Same payload under a second name and contact.
	testsupport.WritePattern(t, filepath.Join(root, "Bob", voiceID+".opus"), 4096, 0x01)
	testsupport.WritePattern(t, filepath.Join(root, "Bob", "PTT-20240101-WA0002.opus"), 4096, 0x02)
	testsupport.WritePattern(t, filepath.Join(root, "Bob", "sent_note.opus"), 4096, 0x03)
	testsupport.WriteText(t, filepath.Join(root, "Bob", "chat.txt"), "not audio")
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("run-%d", n)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	seedMedia(t, cfg)
	store := testsupport.MustOpenRegistry(t, cfg)
	encoder := &testsupport.FakeEncoder{}
	stt := &fakeTranscriber{}
	runner := pipeline.New(cfg, store, encoder, stt, logging.NewNop(), pipeline.WithRunIDs(sequentialIDs()))

	first, err := runner.Process(context.Background(), pipeline.ProcessOptions{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Sources != 4 {
		t.Fatalf("expected 4 audio sources, got %d", first.Sources)
	}
	// Two distinct received payloads plus one unknown-direction one; the sent
	// note is filtered.
	if got := len(encoder.Calls()); got != 2 {
		t.Fatalf("expected 2 encoder calls, got %d (%v)", got, encoder.Calls())
	}
	if stt.Calls() != 2 {
		t.Fatalf("expected 2 transcription calls, got %d", stt.Calls())
	}
	if first.Run.Summary.TotalFailures() != 0 {
		t.Fatalf("unexpected failures %+v", first.Run.Summary.Items())
	}
	if first.Run.ID != "run-1" {
		t.Fatalf("unexpected run id %q", first.Run.ID)
	}

	second, err := runner.Process(context.Background(), pipeline.ProcessOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := len(encoder.Calls()); got != 2 {
		t.Fatalf("second run called the encoder: %d calls total", got)
	}
	if stt.Calls() != 2 {
		t.Fatalf("second run called the service: %d calls total", stt.Calls())
	}
	if second.Run.Summary.Stage(conversion.Stage).Succeeded != 0 {
		t.Fatalf("second run converted again: %+v", second.Run.Summary.Stage(conversion.Stage))
	}
}

func TestProcessSurvivesRestart(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	seedMedia(t, cfg)
	encoder := &testsupport.FakeEncoder{}
	stt := &fakeTranscriber{}

	store := registry.Open(cfg.Paths.RegistryPath, logging.NewNop())
	if _, err := pipeline.New(cfg, store, encoder, stt, logging.NewNop()).Process(context.Background(), pipeline.ProcessOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	reopened := registry.Open(cfg.Paths.RegistryPath, logging.NewNop())
	if err := reopened.LoadIssue(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := pipeline.New(cfg, reopened, encoder, stt, logging.NewNop()).Process(context.Background(), pipeline.ProcessOptions{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(encoder.Calls()) != 2 || stt.Calls() != 2 {
		t.Fatalf("restart repeated work: encoder=%d stt=%d", len(encoder.Calls()), stt.Calls())
	}
}

func TestProcessSkipTranscription(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	seedMedia(t, cfg)
	store := testsupport.MustOpenRegistry(t, cfg)
	stt := &fakeTranscriber{}
	runner := pipeline.New(cfg, store, &testsupport.FakeEncoder{}, stt, logging.NewNop())

	report, err := runner.Process(context.Background(), pipeline.ProcessOptions{SkipTranscription: true})
	if err != nil {
		t.Fatal(err)
	}
	if stt.Calls() != 0 || len(report.Transcription) != 0 {
		t.Fatalf("transcription ran: %d calls", stt.Calls())
	}
}

func TestProcessRecordsJournal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	seedMedia(t, cfg)
	store := testsupport.MustOpenRegistry(t, cfg)
	jr := testsupport.MustOpenJournal(t, cfg)
	encoder := &testsupport.FakeEncoder{Fail: errors.New("codec exploded")}
	runner := pipeline.New(cfg, store, encoder, &fakeTranscriber{}, logging.NewNop(), pipeline.WithJournal(jr))

	report, err := runner.Process(context.Background(), pipeline.ProcessOptions{})
	if err != nil {
		t.Fatalf("per-item failures must not fail the run: %v", err)
	}
	runs, err := jr.Runs(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != report.Run.ID || runs[0].Status != journal.RunCompleted {
		t.Fatalf("unexpected journal runs %+v", runs)
	}
	failed, err := jr.Failures(context.Background(), journal.FailureFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 journaled failures, got %d", len(failed))
	}
	for _, f := range failed {
		if f.Kind != failures.ConversionFailed {
			t.Fatalf("unexpected kind %q", f.Kind)
		}
	}
}

func TestProcessStopsOnLowDiskSpace(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	seedMedia(t, cfg)
	cfg.Conversion.MinFreeMiB = 1 << 40
	store := testsupport.MustOpenRegistry(t, cfg)
	encoder := &testsupport.FakeEncoder{}
	runner := pipeline.New(cfg, store, encoder, nil, logging.NewNop())

	_, err := runner.Process(context.Background(), pipeline.ProcessOptions{})
	if !errors.Is(err, pipeline.ErrInsufficientSpace) {
		t.Fatalf("expected ErrInsufficientSpace, got %v", err)
	}
	if len(encoder.Calls()) != 0 {
		t.Fatal("encoder ran despite failed space check")
	}
}

func TestScanAssignsContactAndDirection(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	seedMedia(t, cfg)
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.MediaRoot, "loose.opus"), 64)
	store := registry.Open("", logging.NewNop())
	summary := failures.NewSummary()

	sources, err := pipeline.Scan(context.Background(), cfg.Paths.MediaRoot, pipeline.ScanOptions{Workers: 2}, store, logging.NewNop(), summary)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]conversion.Source{}
	for _, s := range sources {
		byName[filepath.Base(s.Path)] = s
	}
	if len(byName) != 5 {
		t.Fatalf("expected 5 audio files, got %d", len(byName))
	}
	if s := byName["received_audio_"+voiceID+".opus"]; s.Contact != "Alice" || s.Direction != medianame.Received {
		t.Fatalf("unexpected source %+v", s)
	}
	if s := byName["sent_note.opus"]; s.Contact != "Bob" || s.Direction != medianame.Sent {
		t.Fatalf("unexpected source %+v", s)
	}
	if s := byName["loose.opus"]; s.Contact != "" {
		t.Fatalf("files at the root have no contact, got %q", s.Contact)
	}
	if byName[voiceID+".opus"].Fingerprint != byName["received_audio_"+voiceID+".opus"].Fingerprint {
		t.Fatal("identical payloads must share a fingerprint")
	}
	if _, ok := store.Lookup(byName["sent_note.opus"].Fingerprint); !ok {
		t.Fatal("scan must record every source")
	}
}

func TestScanSkipsOutputTree(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.OutputDir = filepath.Join(cfg.Paths.MediaRoot, "_out")
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.MediaRoot, "Alice", "received_a.opus"), 64)
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.OutputDir, "Alice", "audio_mp3", "received_a.mp3"), 2048)

	sources, err := pipeline.Scan(context.Background(), cfg.Paths.MediaRoot, pipeline.ScanOptions{Skip: []string{cfg.Paths.OutputDir}},
		registry.Open("", logging.NewNop()), logging.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected only the media file, got %+v", sources)
	}
}

func TestFuseUsesTranscriptsFromProcess(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	seedMedia(t, cfg)
	store := testsupport.MustOpenRegistry(t, cfg)
	runner := pipeline.New(cfg, store, &testsupport.FakeEncoder{}, &fakeTranscriber{}, logging.NewNop())
	if _, err := runner.Process(context.Background(), pipeline.ProcessOptions{}); err != nil {
		t.Fatal(err)
	}

	messages := []fusion.Message{
		{Contact: "Alice", Timestamp: "2024-01-01 10:00", Direction: medianame.Received, Text: "[AUDIO] " + voiceID},
		{Contact: "Bob", Timestamp: "2024-01-01 10:01", Direction: medianame.Sent, Text: "[AUDIO] sent_note.opus"},
		{Contact: "Bob", Timestamp: "2024-01-01 10:02", Direction: medianame.Sent, Text: "plain text"},
	}
	report, err := runner.Fuse(context.Background(), messages)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Messages) != 3 {
		t.Fatalf("fusion must keep every message, got %d", len(report.Messages))
	}
	if !strings.Contains(report.Messages[0].Text, "texte de received_audio_"+voiceID+".mp3") {
		t.Fatalf("first message not fused: %q", report.Messages[0].Text)
	}
	if !strings.Contains(report.Messages[1].Text, "NON TRANSCRIT") {
		t.Fatalf("sent note was never transcribed: %q", report.Messages[1].Text)
	}
	if report.Messages[2].Text != "plain text" {
		t.Fatalf("plain text changed: %q", report.Messages[2].Text)
	}
	if report.Stats.Transcribed != 1 || report.Stats.NotTranscribed != 1 {
		t.Fatalf("unexpected stats %+v", report.Stats)
	}
}

func TestDupesReportAndDryRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	seedMedia(t, cfg)
	store := testsupport.MustOpenRegistry(t, cfg)
	runner := pipeline.New(cfg, store, nil, nil, logging.NewNop())

	report, err := runner.Dupes(context.Background(), pipeline.DupesOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Report.GroupCount != 1 || report.Report.WastedBytes != 4096 {
		t.Fatalf("unexpected report %+v", report.Report)
	}
	if report.Clean != nil {
		t.Fatal("report mode must not plan moves")
	}

	dry, err := runner.Dupes(context.Background(), pipeline.DupesOptions{Clean: true, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if dry.Clean == nil || len(dry.Clean.Moves) != 1 {
		t.Fatalf("expected one planned move, got %+v", dry.Clean)
	}
	if _, err := os.Stat(cfg.Paths.QuarantineDir); !os.IsNotExist(err) {
		t.Fatalf("dry run created the quarantine dir: %v", err)
	}
}

func TestTrackMarksCanceledRuns(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	jr := testsupport.MustOpenJournal(t, cfg)
	runner := pipeline.New(cfg, registry.Open("", logging.NewNop()), nil, nil, logging.NewNop(),
		pipeline.WithJournal(jr),
		pipeline.WithClock(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := runner.Track(ctx, "process", func(ctx context.Context, _ *failures.Summary) error {
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if run.Status != journal.RunCanceled {
		t.Fatalf("unexpected status %q", run.Status)
	}
	stored, err := jr.GetRun(context.Background(), run.ID)
	if err != nil || stored == nil || stored.Status != journal.RunCanceled {
		t.Fatalf("journal did not record cancellation: %+v %v", stored, err)
	}
}
