package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// RunStore keeps incremental runs in-memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]archiver.IncrementalRun
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]archiver.IncrementalRun)}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run archiver.IncrementalRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	s.runs[run.ID] = run
	return nil
}

// UpdateRun replaces a stored run.
func (s *RunStore) UpdateRun(_ context.Context, run archiver.IncrementalRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return archiver.ErrNotFound
	}
	s.runs[run.ID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, id string) (archiver.IncrementalRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return archiver.IncrementalRun{}, archiver.ErrNotFound
	}
	return run, nil
}

// ActiveRun returns the non-terminal run for a domain, or ErrNotFound.
func (s *RunStore) ActiveRun(_ context.Context, domainID string) (archiver.IncrementalRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.DomainID == domainID && !run.Status.Terminal() {
			return run, nil
		}
	}
	return archiver.IncrementalRun{}, archiver.ErrNotFound
}

// ListRuns returns a page of the domain's runs, newest first, plus the total.
func (s *RunStore) ListRuns(_ context.Context, domainID string, limit, offset int) ([]archiver.IncrementalRun, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []archiver.IncrementalRun
	for _, run := range s.runs {
		if run.DomainID == domainID {
			all = append(all, run)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}
