package pagestate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// Filter categories recorded alongside a filtering decision.
const (
	CategoryDuplicate = "duplicate"
	CategoryListPage  = "list_page"
	CategoryQuality   = "quality"
	CategorySize      = "size"
	CategoryType      = "type"
	CategoryCustom    = "custom"
)

// Decision is the outcome of automated classification. When Filtered is
// false the page proceeds to completed; PriorityDelta carries the net effect
// of priority_boost/priority_reduce rules either way.
type Decision struct {
	Filtered      bool
	Status        archiver.PageStatus
	Reason        string
	Category      string
	Details       string
	PriorityDelta float64
}

// DuplicateChecker reports whether the digest is already held by another
// page of the same domain.
type DuplicateChecker func(digest string) (bool, error)

// ClassifierConfig bounds the automated filters.
type ClassifierConfig struct {
	MinContentBytes int
	MaxContentBytes int
	MinTextChars    int
	AllowedTypes    []string
	ListPatterns    []string
}

// Classifier runs the automated filtering pipeline exactly once per page.
type Classifier struct {
	cfg          ClassifierConfig
	listPatterns []*regexp.Regexp
}

// Default list-page URL shapes: pagination, taxonomy, feed, and index URLs.
var defaultListPatterns = []string{
	`/page/\d+`,
	`[?&]page=\d+`,
	`/category/`,
	`/tag/`,
	`/archive/`,
	`/author/`,
	`/feed/?$`,
	`/index\.(html?|php)$`,
}

// NewClassifier compiles the configured patterns, falling back to defaults.
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	if cfg.MinContentBytes <= 0 {
		cfg.MinContentBytes = 512
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = 10 << 20
	}
	if cfg.MinTextChars <= 0 {
		cfg.MinTextChars = 200
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = []string{"text/html", "application/xhtml"}
	}
	raw := cfg.ListPatterns
	if len(raw) == 0 {
		raw = defaultListPatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile list pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Classifier{cfg: cfg, listPatterns: compiled}, nil
}

// Classify applies the automated filters in fixed order (duplicate, list
// page, quality, size, type, custom rules) and returns at most one filtering
// decision. It never examines a page carrying a manual override; callers
// guard that, and Classify re-checks defensively via the page flag.
func (c *Classifier) Classify(
	page archiver.Page,
	rec archiver.CaptureRecord,
	body []byte,
	rules []archiver.FilterRule,
	isDuplicate DuplicateChecker,
) (Decision, error) {
	if page.ManuallyOverridden {
		return Decision{}, fmt.Errorf("%w: page %s is manually overridden", archiver.ErrInvalidTransition, page.ID)
	}

	var delta float64
	var exclude *archiver.FilterRule
	include := false
	for i, rule := range rules {
		if !ruleMatches(rule, page.OriginalURL) {
			continue
		}
		switch rule.Action {
		case archiver.FilterActionInclude:
			include = true
		case archiver.FilterActionExclude:
			if exclude == nil {
				exclude = &rules[i]
			}
		case archiver.FilterActionPriorityBoost:
			delta++
		case archiver.FilterActionPriorityReduce:
			delta--
		}
	}

	if page.Digest != "" && isDuplicate != nil {
		dup, err := isDuplicate(page.Digest)
		if err != nil {
			return Decision{}, fmt.Errorf("duplicate check: %w", err)
		}
		if dup {
			return Decision{
				Filtered:      true,
				Status:        archiver.PageStatusFilteredDuplicate,
				Reason:        "content digest already archived",
				Category:      CategoryDuplicate,
				Details:       page.Digest,
				PriorityDelta: delta,
			}, nil
		}
	}

	// An explicit include rule bypasses the heuristic filters but never the
	// duplicate check above.
	if !include {
		if re := c.matchListPattern(page.OriginalURL); re != "" {
			return Decision{
				Filtered:      true,
				Status:        archiver.PageStatusFilteredListPage,
				Reason:        "url matches list-page pattern",
				Category:      CategoryListPage,
				Details:       re,
				PriorityDelta: delta,
			}, nil
		}
		if text := visibleTextLen(body); text < c.cfg.MinTextChars {
			return Decision{
				Filtered:      true,
				Status:        archiver.PageStatusFilteredLowQuality,
				Reason:        "visible text below quality threshold",
				Category:      CategoryQuality,
				Details:       fmt.Sprintf("text_chars=%d min=%d", text, c.cfg.MinTextChars),
				PriorityDelta: delta,
			}, nil
		}
		if len(body) < c.cfg.MinContentBytes || len(body) > c.cfg.MaxContentBytes {
			return Decision{
				Filtered:      true,
				Status:        archiver.PageStatusFilteredSize,
				Reason:        "content size outside bounds",
				Category:      CategorySize,
				Details:       fmt.Sprintf("bytes=%d min=%d max=%d", len(body), c.cfg.MinContentBytes, c.cfg.MaxContentBytes),
				PriorityDelta: delta,
			}, nil
		}
		if !c.typeAllowed(rec.MimeType) {
			return Decision{
				Filtered:      true,
				Status:        archiver.PageStatusFilteredType,
				Reason:        "mime type excluded",
				Category:      CategoryType,
				Details:       rec.MimeType,
				PriorityDelta: delta,
			}, nil
		}
		if exclude != nil {
			category := exclude.Category
			if category == "" {
				category = CategoryCustom
			}
			return Decision{
				Filtered:      true,
				Status:        archiver.PageStatusFilteredCustom,
				Reason:        "url matches exclude rule",
				Category:      category,
				Details:       exclude.Pattern,
				PriorityDelta: delta,
			}, nil
		}
	}

	return Decision{PriorityDelta: delta}, nil
}

func (c *Classifier) matchListPattern(url string) string {
	for _, re := range c.listPatterns {
		if re.MatchString(url) {
			return re.String()
		}
	}
	return ""
}

func (c *Classifier) typeAllowed(mime string) bool {
	if mime == "" {
		return true
	}
	for _, allowed := range c.cfg.AllowedTypes {
		if strings.HasPrefix(mime, allowed) {
			return true
		}
	}
	return false
}

func ruleMatches(rule archiver.FilterRule, url string) bool {
	if rule.Pattern == "" {
		return false
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		// Broken rules never match; they are surfaced via rule validation at
		// write time, not during classification.
		return false
	}
	return re.MatchString(url)
}

// visibleTextLen approximates the visible character count by dropping markup
// tags and script/style bodies.
func visibleTextLen(body []byte) int {
	inTag := false
	skipDepth := 0
	count := 0
	lower := strings.ToLower(string(body))
	for i := 0; i < len(lower); i++ {
		ch := lower[i]
		if ch == '<' {
			inTag = true
			if strings.HasPrefix(lower[i:], "<script") || strings.HasPrefix(lower[i:], "<style") {
				skipDepth++
			} else if strings.HasPrefix(lower[i:], "</script") || strings.HasPrefix(lower[i:], "</style") {
				if skipDepth > 0 {
					skipDepth--
				}
			}
			continue
		}
		if ch == '>' {
			inTag = false
			continue
		}
		if inTag || skipDepth > 0 {
			continue
		}
		if ch != ' ' && ch != '\n' && ch != '\t' && ch != '\r' {
			count++
		}
	}
	return count
}
