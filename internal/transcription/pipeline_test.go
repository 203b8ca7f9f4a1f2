package transcription

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voxmerge/internal/failures"
	"voxmerge/internal/fingerprint"
	"voxmerge/internal/logging"
	"voxmerge/internal/registry"
	"voxmerge/internal/services/whisperapi"
	"voxmerge/internal/testsupport"
)

type scriptedTranscriber struct {
	mu      sync.Mutex
	results []error
	text    string
	calls   atomic.Int32
}

func (s *scriptedTranscriber) Transcribe(ctx context.Context, path string) (whisperapi.Result, error) {
	n := int(s.calls.Add(1)) - 1
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < len(s.results) && s.results[n] != nil {
		return whisperapi.Result{}, s.results[n]
	}
	return whisperapi.Result{Text: s.text, Language: "french"}, nil
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func setup(t *testing.T, size int64) (*registry.Store, Item) {
	t.Helper()
	dir := t.TempDir()
	store := registry.Open(filepath.Join(dir, "registry.json"), logging.NewNop())
	source := fingerprint.Fingerprint("a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90")
	if _, err := store.RecordSource(registry.SourceObservation{Fingerprint: source, Path: "/media/alice/received_audio_1.opus", Contact: "alice"}); err != nil {
		t.Fatalf("record source: %v", err)
	}
	path := filepath.Join(dir, "received_audio_1.mp3")
	testsupport.WriteFile(t, path, size)
	converted, err := fingerprint.File(path)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if err := store.RecordConversion(source, path, converted); err != nil {
		t.Fatalf("record conversion: %v", err)
	}
	return store, Item{Source: source, Converted: converted, Path: path, Contact: "alice"}
}

func TestTranscribeRecordsUnderSourceFingerprint(t *testing.T) {
	store, item := setup(t, 2048)
	tr := &scriptedTranscriber{text: "bonjour à tous"}
	p := New(store, tr, Options{Model: "whisper-1"}, logging.NewNop())

	summary := failures.NewSummary()
	outcomes, err := p.Run(context.Background(), []Item{item}, summary)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcomes[0].Status != StatusTranscribed {
		t.Fatalf("status = %s (%v)", outcomes[0].Status, outcomes[0].Err)
	}
	rec, ok := store.Transcript(item.Source)
	if !ok || rec.Text != "bonjour à tous" || rec.Model != "whisper-1" || rec.Language != "fr" {
		t.Fatalf("transcript = %+v", rec)
	}
	if _, ok := store.Transcript(item.Converted); !ok {
		t.Fatal("converted fingerprint should resolve to the source transcript")
	}
	if store.Dirty() {
		t.Fatal("transcript should be flushed immediately")
	}
	if summary.Stage(Stage).Succeeded != 1 {
		t.Fatalf("summary = %+v", summary.Stage(Stage))
	}
}

func TestExistingTranscriptSkipsService(t *testing.T) {
	store, item := setup(t, 2048)
	if _, err := store.RecordTranscript(item.Source, "déjà fait", time.Now(), registry.TranscriptMeta{}); err != nil {
		t.Fatal(err)
	}
	tr := &scriptedTranscriber{text: "nouveau"}
	outcomes, err := New(store, tr, Options{}, logging.NewNop()).Run(context.Background(), []Item{item, item}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if tr.calls.Load() != 0 {
		t.Fatalf("service called %d times", tr.calls.Load())
	}
	if len(outcomes) != 1 || outcomes[0].Status != StatusSkipped {
		t.Fatalf("outcomes = %+v", outcomes)
	}
}

func TestDuplicateItemsCallServiceOnce(t *testing.T) {
	store, item := setup(t, 2048)
	tr := &scriptedTranscriber{text: "une fois"}
	p := New(store, tr, Options{Workers: 4}, logging.NewNop())
	if _, err := p.Run(context.Background(), []Item{item, item, item}, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if tr.calls.Load() != 1 {
		t.Fatalf("service called %d times", tr.calls.Load())
	}
}

func TestOversizeRejectedWithoutCall(t *testing.T) {
	store, item := setup(t, 4096)
	tr := &scriptedTranscriber{text: "trop gros"}
	summary := failures.NewSummary()
	outcomes, err := New(store, tr, Options{MaxUploadBytes: 1024}, logging.NewNop()).Run(context.Background(), []Item{item}, summary)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcomes[0].Status != StatusOversize || tr.calls.Load() != 0 {
		t.Fatalf("status=%s calls=%d", outcomes[0].Status, tr.calls.Load())
	}
	if summary.Counts()[failures.OversizeRejected] != 1 {
		t.Fatalf("counts = %v", summary.Counts())
	}
}

func TestRetryBoundWithIncreasingDelays(t *testing.T) {
	store, item := setup(t, 2048)
	boom := errors.New("connection reset")
	tr := &scriptedTranscriber{results: []error{boom, boom, boom, boom, boom, boom}}
	sleeper := &recordingSleeper{}
	p := New(store, tr, Options{Attempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}, logging.NewNop(), WithSleeper(sleeper.Sleep))

	summary := failures.NewSummary()
	outcomes, err := p.Run(context.Background(), []Item{item}, summary)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := tr.calls.Load(); got != 5 {
		t.Fatalf("service called %d times, want 5", got)
	}
	if outcomes[0].Status != StatusFailed || outcomes[0].Attempts != 5 {
		t.Fatalf("outcome = %+v", outcomes[0])
	}
	if kind, _ := failures.KindOf(outcomes[0].Err); kind != failures.TranscriptionFailed {
		t.Fatalf("kind = %s", kind)
	}
	if !errors.Is(outcomes[0].Err, boom) {
		t.Fatalf("cause lost: %v", outcomes[0].Err)
	}
	delays := sleeper.Delays()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
		if i > 0 && delays[i] <= delays[i-1] {
			t.Fatalf("delays not strictly increasing: %v", delays)
		}
	}
	if _, ok := store.Transcript(item.Source); ok {
		t.Fatal("failed item must not have a transcript")
	}
}

func TestRetryRecoversAfterTransientErrors(t *testing.T) {
	store, item := setup(t, 2048)
	boom := errors.New("503")
	tr := &scriptedTranscriber{results: []error{boom, boom}, text: "enfin"}
	sleeper := &recordingSleeper{}
	outcomes, err := New(store, tr, Options{}, logging.NewNop(), WithSleeper(sleeper.Sleep)).Run(context.Background(), []Item{item}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcomes[0].Status != StatusTranscribed || outcomes[0].Attempts != 3 {
		t.Fatalf("outcome = %+v", outcomes[0])
	}
}

func TestShortTranscriptIsRetried(t *testing.T) {
	store, item := setup(t, 2048)
	tr := &scriptedTranscriber{text: "  "}
	sleeper := &recordingSleeper{}
	outcomes, err := New(store, tr, Options{Attempts: 2}, logging.NewNop(), WithSleeper(sleeper.Sleep)).Run(context.Background(), []Item{item}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if tr.calls.Load() != 2 || outcomes[0].Status != StatusFailed {
		t.Fatalf("calls=%d status=%s", tr.calls.Load(), outcomes[0].Status)
	}
	if !errors.Is(outcomes[0].Err, whisperapi.ErrMalformedResponse) {
		t.Fatalf("err = %v", outcomes[0].Err)
	}
}

func TestPermanentAPIErrorStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	store, item := setup(t, 2048)
	client := whisperapi.NewClient(whisperapi.Config{APIKey: "sk-bad", BaseURL: server.URL + "/v1", Model: "whisper-1"})
	sleeper := &recordingSleeper{}
	outcomes, err := New(store, client, Options{}, logging.NewNop(), WithSleeper(sleeper.Sleep)).Run(context.Background(), []Item{item}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls.Load() != 1 || len(sleeper.Delays()) != 0 {
		t.Fatalf("calls=%d sleeps=%v", calls.Load(), sleeper.Delays())
	}
	if outcomes[0].Status != StatusFailed || whisperapi.StatusCode(outcomes[0].Err) != http.StatusUnauthorized {
		t.Fatalf("outcome = %+v", outcomes[0])
	}
}

func TestRejectedUploadUsesEveryAttempt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid file format","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	store, item := setup(t, 2048)
	client := whisperapi.NewClient(whisperapi.Config{APIKey: "sk-test", BaseURL: server.URL + "/v1", Model: "whisper-1"})
	sleeper := &recordingSleeper{}
	opts := Options{Attempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	outcomes, err := New(store, client, opts, logging.NewNop(), WithSleeper(sleeper.Sleep)).Run(context.Background(), []Item{item}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if delays := sleeper.Delays(); len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("delays = %v", delays)
	}
	if outcomes[0].Status != StatusFailed || whisperapi.StatusCode(outcomes[0].Err) != http.StatusBadRequest {
		t.Fatalf("outcome = %+v", outcomes[0])
	}
}

func TestServerErrorsRetriedThroughClient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"busy"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"text":"salut","language":"french","duration":1.5}`))
	}))
	defer server.Close()

	store, item := setup(t, 2048)
	client := whisperapi.NewClient(whisperapi.Config{APIKey: "sk-test", BaseURL: server.URL + "/v1", Model: "whisper-1"})
	sleeper := &recordingSleeper{}
	outcomes, err := New(store, client, Options{}, logging.NewNop(), WithSleeper(sleeper.Sleep)).Run(context.Background(), []Item{item}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcomes[0].Status != StatusTranscribed || calls.Load() != 2 {
		t.Fatalf("status=%s calls=%d", outcomes[0].Status, calls.Load())
	}
	if rec, _ := store.Transcript(item.Source); rec.Text != "salut" {
		t.Fatalf("transcript = %+v", rec)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tc := range tests {
		if got := Backoff(tc.attempt, 2*time.Second, 60*time.Second); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
	if got := Backoff(3, 0, time.Minute); got != 0 {
		t.Errorf("zero base should disable waiting, got %v", got)
	}
}

func TestCancelDuringBackoff(t *testing.T) {
	store, item := setup(t, 2048)
	tr := &scriptedTranscriber{results: []error{errors.New("x"), errors.New("x")}}
	ctx, cancel := context.WithCancel(context.Background())
	sleeper := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	summary := failures.NewSummary()
	_, err := New(store, tr, Options{}, logging.NewNop(), WithSleeper(sleeper)).Run(ctx, []Item{item}, summary)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tr.calls.Load() != 1 {
		t.Fatalf("calls = %d", tr.calls.Load())
	}
	if summary.TotalFailures() != 0 {
		t.Fatal("cancelled items are not counted as failures")
	}
}
