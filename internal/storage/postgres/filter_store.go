package postgres

import (
	"context"
	"fmt"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// FilterRuleStore reads domain-scoped filter rules.
type FilterRuleStore struct {
	db dbConn
}

// NewFilterRuleStore constructs a FilterRuleStore over an existing pool.
func NewFilterRuleStore(db dbConn) (*FilterRuleStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &FilterRuleStore{db: db}, nil
}

// ListRules returns the domain's rules in creation order.
func (s *FilterRuleStore) ListRules(ctx context.Context, domainID string) ([]archiver.FilterRule, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, domain_id, pattern, action, category
FROM filter_rules
WHERE domain_id = $1
ORDER BY id`, domainID)
	if err != nil {
		return nil, fmt.Errorf("list filter rules: %w", err)
	}
	defer rows.Close()

	var rules []archiver.FilterRule
	for rows.Next() {
		var (
			rule     archiver.FilterRule
			category *string
		)
		if err := rows.Scan(&rule.ID, &rule.DomainID, &rule.Pattern, &rule.Action, &category); err != nil {
			return nil, fmt.Errorf("scan filter rule: %w", err)
		}
		if category != nil {
			rule.Category = *category
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filter rules: %w", err)
	}
	return rules, nil
}
