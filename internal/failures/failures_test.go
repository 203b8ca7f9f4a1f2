package failures_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"voxmerge/internal/failures"
)

func TestKindOfFollowsWrappedChain(t *testing.T) {
	base := failures.New(failures.ConversionFailed, "encode", "/tmp/a.opus", errors.New("exit status 1"))
	wrapped := fmt.Errorf("stage: %w", base)

	kind, ok := failures.KindOf(wrapped)
	if !ok || kind != failures.ConversionFailed {
		t.Fatalf("expected conversion_failed, got %q %v", kind, ok)
	}
	if _, ok := failures.KindOf(errors.New("plain")); ok {
		t.Fatal("plain error should carry no kind")
	}
	if !errors.Is(wrapped, base.Err) {
		t.Fatal("expected cause to remain reachable")
	}
}

func TestErrorMessageIncludesContext(t *testing.T) {
	err := failures.New(failures.OversizeRejected, "upload", "big.mp3", errors.New("30 MiB"))
	want := `oversize_rejected: upload "big.mp3": 30 MiB`
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}

func TestSummaryCountsPerKind(t *testing.T) {
	summary := failures.NewSummary()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				summary.Succeeded("conversion")
			case 1:
				summary.Skipped("conversion")
			default:
				summary.Fail("conversion", failures.ConversionFailed, "fp", fmt.Sprintf("f%d", i), errors.New("boom"))
			}
		}(i)
	}
	wg.Wait()
	summary.Fail("transcription", failures.TranscriptionFailed, "fp2", "x.mp3",
		failures.New(failures.OversizeRejected, "upload", "x.mp3", nil))

	stage := summary.Stage("conversion")
	if stage.Succeeded != 4 || stage.Skipped != 3 || stage.Failed != 3 {
		t.Fatalf("unexpected conversion counts %+v", stage)
	}
	counts := summary.Counts()
	if counts[failures.ConversionFailed] != 3 {
		t.Fatalf("expected 3 conversion failures, got %d", counts[failures.ConversionFailed])
	}
	if counts[failures.OversizeRejected] != 1 || counts[failures.TranscriptionFailed] != 0 {
		t.Fatalf("declared kind must win over fallback: %v", counts)
	}
	if _, ok := counts[failures.AmbiguousReference]; !ok {
		t.Fatal("every kind should be reported")
	}
	items := summary.Items()
	if len(items) != 4 || items[0].Kind != failures.ConversionFailed || items[3].Kind != failures.OversizeRejected {
		t.Fatalf("unexpected item order %+v", items)
	}
}
