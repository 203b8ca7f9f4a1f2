package testsupport

import (
	"testing"

	"voxmerge/internal/config"
	"voxmerge/internal/journal"
	"voxmerge/internal/logging"
	"voxmerge/internal/registry"
)

// MustOpenRegistry opens the registry named by cfg and flushes it on cleanup.
func MustOpenRegistry(t testing.TB, cfg *config.Config) *registry.Store {
	t.Helper()
	store := registry.Open(cfg.Paths.RegistryPath, logging.NewNop())
	if err := store.LoadIssue(); err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Flush()
	})
	return store
}

// MustOpenJournal opens the run journal named by cfg and closes it on cleanup.
func MustOpenJournal(t testing.TB, cfg *config.Config) *journal.Store {
	t.Helper()
	store, err := journal.Open(cfg.Paths.JournalPath)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
