package failures

import (
	"sort"
	"sync"
)

// StageCounts tallies item outcomes for one pipeline stage.
type StageCounts struct {
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Item describes one failed item.
type Item struct {
	Stage       string `json:"stage"`
	Kind        Kind   `json:"kind"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Path        string `json:"path,omitempty"`
	Detail      string `json:"detail"`
}

// Summary aggregates per-stage outcomes and per-kind failures. It is safe
// for concurrent use by pipeline workers.
type Summary struct {
	mu     sync.Mutex
	stages map[string]*StageCounts
	order  []string
	items  []Item
}

// NewSummary returns an empty summary.
func NewSummary() *Summary {
	return &Summary{stages: make(map[string]*StageCounts)}
}

func (s *Summary) stage(name string) *StageCounts {
	counts, ok := s.stages[name]
	if !ok {
		counts = &StageCounts{}
		s.stages[name] = counts
		s.order = append(s.order, name)
	}
	return counts
}

// Succeeded counts one successful item for stage.
func (s *Summary) Succeeded(stage string) {
	s.mu.Lock()
	s.stage(stage).Succeeded++
	s.mu.Unlock()
}

// Skipped counts one item that needed no work for stage.
func (s *Summary) Skipped(stage string) {
	s.mu.Lock()
	s.stage(stage).Skipped++
	s.mu.Unlock()
}

// Fail records a failed item. Errors without a declared kind are filed under fallback.
func (s *Summary) Fail(stage string, fallback Kind, fingerprint, path string, err error) Item {
	kind, ok := KindOf(err)
	if !ok {
		kind = fallback
	}
	item := Item{Stage: stage, Kind: kind, Fingerprint: fingerprint, Path: path}
	if err != nil {
		item.Detail = err.Error()
	}
	s.mu.Lock()
	s.stage(stage).Failed++
	s.items = append(s.items, item)
	s.mu.Unlock()
	return item
}

// Stage returns the counts for one stage.
func (s *Summary) Stage(name string) StageCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counts, ok := s.stages[name]; ok {
		return *counts
	}
	return StageCounts{}
}

// Stages returns stage names in first-use order.
func (s *Summary) Stages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Counts returns the number of failures per kind. Every known kind is present.
func (s *Summary) Counts() map[Kind]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Kind]int, len(Kinds))
	for _, kind := range Kinds {
		counts[kind] = 0
	}
	for _, item := range s.items {
		counts[item.Kind]++
	}
	return counts
}

// Items returns failed items ordered by kind then path.
func (s *Summary) Items() []Item {
	s.mu.Lock()
	items := append([]Item(nil), s.items...)
	s.mu.Unlock()
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Kind != items[j].Kind {
			return kindRank(items[i].Kind) < kindRank(items[j].Kind)
		}
		return items[i].Path < items[j].Path
	})
	return items
}

// TotalFailures returns the number of failed items.
func (s *Summary) TotalFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func kindRank(kind Kind) int {
	for i, k := range Kinds {
		if k == kind {
			return i
		}
	}
	return len(Kinds)
}
