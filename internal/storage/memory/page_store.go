package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// PageStore keeps pages in-memory with optimistic versioning.
type PageStore struct {
	mu    sync.RWMutex
	pages map[string]archiver.Page
	// keys maps (domain, url, capture timestamp) to page ID for the
	// discovery uniqueness check.
	keys map[pageKey]string
}

type pageKey struct {
	domainID  string
	url       string
	captureTS int64
}

// NewPageStore constructs a PageStore.
func NewPageStore() *PageStore {
	return &PageStore{
		pages: make(map[string]archiver.Page),
		keys:  make(map[pageKey]string),
	}
}

func keyOf(p archiver.Page) pageKey {
	return pageKey{
		domainID:  p.DomainID,
		url:       p.OriginalURL,
		captureTS: p.CaptureTimestamp.UTC().Unix(),
	}
}

// CreatePage inserts the page unless the same (domain, url, capture
// timestamp) already exists; duplicates report created=false without error.
func (s *PageStore) CreatePage(_ context.Context, page archiver.Page) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(page)
	if _, exists := s.keys[key]; exists {
		return false, nil
	}
	if page.Version == 0 {
		page.Version = 1
	}
	s.pages[page.ID] = page
	s.keys[key] = page.ID
	return true, nil
}

// GetPage fetches a page by ID.
func (s *PageStore) GetPage(_ context.Context, id string) (archiver.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[id]
	if !ok {
		return archiver.Page{}, archiver.ErrNotFound
	}
	return page, nil
}

// UpdatePage writes the page if its stored version equals expectedVersion,
// bumping the version; otherwise it returns ErrVersionConflict.
func (s *PageStore) UpdatePage(_ context.Context, page archiver.Page, expectedVersion int64) (archiver.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.pages[page.ID]
	if !ok {
		return archiver.Page{}, archiver.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return archiver.Page{}, archiver.ErrVersionConflict
	}
	page.Version = expectedVersion + 1
	s.pages[page.ID] = page
	return page, nil
}

// CaptureTimestamps returns the sorted distinct capture timestamps for the
// domain.
func (s *PageStore) CaptureTimestamps(_ context.Context, domainID string) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]time.Time)
	for _, page := range s.pages {
		if page.DomainID != domainID {
			continue
		}
		ts := page.CaptureTimestamp.UTC()
		seen[ts.Unix()] = ts
	}
	out := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// HasDigest reports whether another page of the domain already carries the
// content digest.
func (s *PageStore) HasDigest(_ context.Context, domainID, digest, excludePageID string) (bool, error) {
	if digest == "" {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, page := range s.pages {
		if page.DomainID == domainID && page.Digest == digest && page.ID != excludePageID {
			return true, nil
		}
	}
	return false, nil
}

// PagesByRun returns the pages discovered by a run, ordered by URL. Memory
// store accessor for tests and inspection.
func (s *PageStore) PagesByRun(_ context.Context, runID string) ([]archiver.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []archiver.Page
	for _, page := range s.pages {
		if page.RunID == runID {
			out = append(out, page)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginalURL < out[j].OriginalURL })
	return out, nil
}

// StatusCounts tallies the domain's pages by status.
func (s *PageStore) StatusCounts(_ context.Context, domainID string) (map[archiver.PageStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[archiver.PageStatus]int)
	for _, page := range s.pages {
		if page.DomainID == domainID {
			counts[page.Status]++
		}
	}
	return counts, nil
}

// PagesPerDay estimates discovery density from the span between the earliest
// and latest capture timestamps. Returns 0 when fewer than two distinct
// timestamps exist.
func (s *PageStore) PagesPerDay(ctx context.Context, domainID string) (float64, error) {
	timestamps, err := s.CaptureTimestamps(ctx, domainID)
	if err != nil {
		return 0, err
	}
	if len(timestamps) < 2 {
		return 0, nil
	}
	s.mu.RLock()
	total := 0
	for _, page := range s.pages {
		if page.DomainID == domainID {
			total++
		}
	}
	s.mu.RUnlock()
	span := timestamps[len(timestamps)-1].Sub(timestamps[0])
	days := span.Hours() / 24
	if days < 1 {
		days = 1
	}
	return float64(total) / days, nil
}
