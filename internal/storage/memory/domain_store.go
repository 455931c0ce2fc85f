package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// DomainStore keeps domain records in-memory.
type DomainStore struct {
	mu      sync.RWMutex
	domains map[string]archiver.Domain
}

// NewDomainStore constructs a DomainStore seeded with the given domains.
func NewDomainStore(domains ...archiver.Domain) *DomainStore {
	s := &DomainStore{domains: make(map[string]archiver.Domain, len(domains))}
	for _, d := range domains {
		s.domains[d.ID] = d
	}
	return s
}

// UpsertDomain adds or replaces a domain record.
func (s *DomainStore) UpsertDomain(_ context.Context, d archiver.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[d.ID] = d
	return nil
}

// GetDomain fetches a domain by ID.
func (s *DomainStore) GetDomain(_ context.Context, id string) (archiver.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[id]
	if !ok {
		return archiver.Domain{}, archiver.ErrNotFound
	}
	return d, nil
}

// ListDueDomains returns enabled auto-scheduled domains whose next run time
// has passed, ordered by ID for deterministic scheduling.
func (s *DomainStore) ListDueDomains(_ context.Context, now time.Time) ([]archiver.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []archiver.Domain
	for _, d := range s.domains {
		if d.DueAt(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

// UpdateDomainConfig replaces the domain's configuration.
func (s *DomainStore) UpdateDomainConfig(_ context.Context, id string, cfg archiver.DomainConfig) (archiver.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[id]
	if !ok {
		return archiver.Domain{}, archiver.ErrNotFound
	}
	d.Config = cfg
	s.domains[id] = d
	return d, nil
}

// TouchLastRun records the completion time of the domain's latest run.
func (s *DomainStore) TouchLastRun(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[id]
	if !ok {
		return archiver.ErrNotFound
	}
	ts := at
	d.LastRunAt = &ts
	if d.FirstSeen == nil {
		d.FirstSeen = &ts
	}
	s.domains[id] = d
	return nil
}
