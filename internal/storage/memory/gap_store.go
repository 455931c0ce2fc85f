package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// GapStore keeps coverage gaps in-memory.
type GapStore struct {
	mu   sync.RWMutex
	gaps map[string][]archiver.CoverageGap // domain ID -> gaps sorted by start
}

// NewGapStore constructs a GapStore.
func NewGapStore() *GapStore {
	return &GapStore{gaps: make(map[string][]archiver.CoverageGap)}
}

// ReplaceGaps atomically swaps the gaps intersecting [windowStart, windowEnd)
// for the provided set.
func (s *GapStore) ReplaceGaps(_ context.Context, domainID string, windowStart, windowEnd time.Time, gaps []archiver.CoverageGap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []archiver.CoverageGap
	for _, g := range s.gaps[domainID] {
		// Keep gaps entirely outside the replacement window.
		if !g.GapEnd.After(windowStart) || !g.GapStart.Before(windowEnd) {
			kept = append(kept, g)
		}
	}
	kept = append(kept, gaps...)
	sort.Slice(kept, func(i, j int) bool { return kept[i].GapStart.Before(kept[j].GapStart) })
	s.gaps[domainID] = kept
	return nil
}

// ListGaps returns the domain's gaps ordered by start time.
func (s *GapStore) ListGaps(_ context.Context, domainID string) ([]archiver.CoverageGap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]archiver.CoverageGap, len(s.gaps[domainID]))
	copy(out, s.gaps[domainID])
	return out, nil
}

// GetGaps fetches gaps by ID across all domains. Unknown IDs yield
// ErrNotFound.
func (s *GapStore) GetGaps(_ context.Context, ids []string) ([]archiver.CoverageGap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := make(map[string]archiver.CoverageGap)
	for _, gaps := range s.gaps {
		for _, g := range gaps {
			byID[g.ID] = g
		}
	}
	out := make([]archiver.CoverageGap, 0, len(ids))
	for _, id := range ids {
		g, ok := byID[id]
		if !ok {
			return nil, archiver.ErrNotFound
		}
		out = append(out, g)
	}
	return out, nil
}
