package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"voxmerge/internal/config"
	"voxmerge/internal/fusion"
	"voxmerge/internal/testsupport"
)

const voiceID = "0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"

// fakeFFmpeg copies the -i input plus a marker to the last argument.
const fakeFFmpeg = `#!/bin/sh
src=""
last=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-i" ]; then src="$2"; fi
  last="$1"
  shift
done
{ cat "$src"; echo converted; } > "$last"
`

type cliEnv struct {
	cfg        *config.Config
	configPath string
	apiCalls   *atomic.Int64
}

func setupCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			calls.Add(1)
			_, _ = io.WriteString(w, `{"text":"bonjour tout le monde","language":"french","duration":1.5}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"whisper-1","object":"model","created":0,"owned_by":"openai"}`)
	}))
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries("ffprobe"))
	base := testsupport.BaseDir(cfg)
	ffmpegPath := filepath.Join(base, "bin", "ffmpeg")
	testsupport.WriteText(t, ffmpegPath, fakeFFmpeg)
	if err := os.Chmod(ffmpegPath, 0o755); err != nil {
		t.Fatal(err)
	}

	root := cfg.Paths.MediaRoot
	testsupport.WritePattern(t, filepath.Join(root, "Alice", "received_audio_"+voiceID+".opus"), 4096, 0x01)
	testsupport.WritePattern(t, filepath.Join(root, "Alice", "copy", voiceID+".opus"), 4096, 0x01)
	testsupport.WritePattern(t, filepath.Join(root, "Bob", "sent_hello.opus"), 4096, 0x02)

	configPath := filepath.Join(base, "voxmerge.toml")
	content := fmt.Sprintf(`[paths]
media_root = %q
output_dir = %q
registry_path = %q
quarantine_dir = %q
log_dir = %q
journal_path = %q

[conversion]
ffmpeg_binary = %q
min_free_mib = 0

[transcription]
api_key = "sk-test"
base_url = %q
retry_attempts = 1
`,
		cfg.Paths.MediaRoot, cfg.Paths.OutputDir, cfg.Paths.RegistryPath, cfg.Paths.QuarantineDir,
		cfg.Paths.LogDir, cfg.Paths.JournalPath, ffmpegPath, server.URL+"/v1")
	testsupport.WriteText(t, configPath, content)

	return &cliEnv{cfg: cfg, configPath: configPath, apiCalls: &calls}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestProcessThenFuse(t *testing.T) {
	env := setupCLIEnv(t)

	out, _, err := runCLI(t, []string{"process"}, env.configPath)
	if err != nil {
		t.Fatalf("process: %v\n%s", err, out)
	}
	requireContains(t, out, "Audio files found: 3")
	requireContains(t, out, "conversion")
	if env.apiCalls.Load() != 1 {
		t.Fatalf("expected one transcription request, got %d", env.apiCalls.Load())
	}

	out, _, err = runCLI(t, []string{"--json", "process"}, env.configPath)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	var summary summaryJSON
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, out)
	}
	if summary.Stages["conversion"].Succeeded != 0 || env.apiCalls.Load() != 1 {
		t.Fatalf("second run repeated work: %+v, api calls %d", summary.Stages, env.apiCalls.Load())
	}

	input := filepath.Join(testsupport.BaseDir(env.cfg), "messages.json")
	testsupport.WriteText(t, input, `[{"contact":"Alice","timestamp":"2024-01-01 09:00","direction":"received","text":"[AUDIO] `+voiceID+`"}]`)
	output := filepath.Join(testsupport.BaseDir(env.cfg), "enriched.json")
	_, stderr, err := runCLI(t, []string{"fuse", "--input", input, "--output", output}, env.configPath)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	requireContains(t, stderr, "transcribed: 1")
	f, err := os.Open(output)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	messages, err := fusion.ReadMessages(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected one message, got %d", len(messages))
	}
	requireContains(t, messages[0].Text, "bonjour tout le monde")

	out, _, err = runCLI(t, []string{"runs"}, env.configPath)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	requireContains(t, out, "process")
	requireContains(t, out, "fuse")

	out, _, err = runCLI(t, []string{"registry", "transcripts"}, env.configPath)
	if err != nil {
		t.Fatalf("registry transcripts: %v", err)
	}
	requireContains(t, out, "French")
	requireContains(t, out, "bonjour tout le monde")
}

func TestRegistryCommands(t *testing.T) {
	env := setupCLIEnv(t)
	if _, _, err := runCLI(t, []string{"process", "--skip-transcription"}, env.configPath); err != nil {
		t.Fatalf("process: %v", err)
	}

	out, _, err := runCLI(t, []string{"--json", "registry", "stats"}, env.configPath)
	if err != nil {
		t.Fatalf("registry stats: %v", err)
	}
	var stats struct {
		Sources int `json:"sources"`
	}
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Sources != 2 {
		t.Fatalf("expected 2 distinct sources, got %d", stats.Sources)
	}

	out, _, err = runCLI(t, []string{"registry", "contacts"}, env.configPath)
	if err != nil {
		t.Fatalf("registry contacts: %v", err)
	}
	requireContains(t, out, "Alice")
	requireContains(t, out, "Bob")

	if _, _, err := runCLI(t, []string{"registry", "remove", "zz"}, env.configPath); err == nil {
		t.Fatal("expected error for unknown fingerprint")
	}
}

func TestDupesCleanDryRun(t *testing.T) {
	env := setupCLIEnv(t)

	out, _, err := runCLI(t, []string{"dupes", "report"}, env.configPath)
	if err != nil {
		t.Fatalf("dupes report: %v", err)
	}
	requireContains(t, out, "1 duplicate groups")

	out, _, err = runCLI(t, []string{"dupes", "clean", "--dry-run"}, env.configPath)
	if err != nil {
		t.Fatalf("dupes clean: %v", err)
	}
	requireContains(t, out, "Would move 1 files")
	if _, err := os.Stat(filepath.Join(env.cfg.Paths.MediaRoot, "Alice", "copy", voiceID+".opus")); err != nil {
		t.Fatalf("dry run moved a file: %v", err)
	}

	out, _, err = runCLI(t, []string{"dupes", "clean"}, env.configPath)
	if err != nil {
		t.Fatalf("dupes clean: %v", err)
	}
	requireContains(t, out, "Moved 1 files")
	if _, err := os.Stat(filepath.Join(env.cfg.Paths.MediaRoot, "Alice", "received_audio_"+voiceID+".opus")); err != nil {
		t.Fatalf("received copy must be kept: %v", err)
	}
}

func TestFailuresListsConversionErrors(t *testing.T) {
	env := setupCLIEnv(t)
	broken := filepath.Join(testsupport.BaseDir(env.cfg), "bin", "ffmpeg")
	testsupport.WriteText(t, broken, "#!/bin/sh\necho boom >&2\nexit 1\n")
	if err := os.Chmod(broken, 0o755); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, []string{"process"}, env.configPath)
	if err != nil {
		t.Fatalf("per-item failures must not fail the command: %v", err)
	}
	requireContains(t, out, "conversion_failed")

	out, _, err = runCLI(t, []string{"failures", "--kind", "conversion_failed"}, env.configPath)
	if err != nil {
		t.Fatalf("failures: %v", err)
	}
	requireContains(t, out, voiceID)

	if _, _, err := runCLI(t, []string{"failures", "--kind", "bogus"}, env.configPath); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLIEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected refusal to overwrite")
	}

	out, _, err = runCLI(t, []string{"config", "show"}, env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "<redacted>")
	if strings.Contains(out, "sk-test") {
		t.Fatal("config show leaked the API key")
	}
}

func TestDoctor(t *testing.T) {
	env := setupCLIEnv(t)
	out, _, err := runCLI(t, []string{"doctor"}, env.configPath)
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	requireContains(t, out, "FFmpeg")
	requireContains(t, out, "Speech-to-text API")
}

func TestMetricsFlag(t *testing.T) {
	env := setupCLIEnv(t)
	_, stderr, err := runCLI(t, []string{"--metrics", "process", "--skip-transcription"}, env.configPath)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	requireContains(t, stderr, "voxmerge.items")
}
