package memory

import (
	"context"
	"sync"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// FilterRuleStore keeps filter rules in-memory.
type FilterRuleStore struct {
	mu    sync.RWMutex
	rules map[string][]archiver.FilterRule
}

// NewFilterRuleStore constructs a FilterRuleStore seeded with rules.
func NewFilterRuleStore(rules ...archiver.FilterRule) *FilterRuleStore {
	s := &FilterRuleStore{rules: make(map[string][]archiver.FilterRule)}
	for _, r := range rules {
		s.rules[r.DomainID] = append(s.rules[r.DomainID], r)
	}
	return s
}

// AddRule appends a rule for its domain.
func (s *FilterRuleStore) AddRule(_ context.Context, rule archiver.FilterRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.DomainID] = append(s.rules[rule.DomainID], rule)
	return nil
}

// ListRules returns the domain's rules in insertion order.
func (s *FilterRuleStore) ListRules(_ context.Context, domainID string) ([]archiver.FilterRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]archiver.FilterRule, len(s.rules[domainID]))
	copy(out, s.rules[domainID])
	return out, nil
}
