// Package coverage computes time-coverage gaps for archived domains.
package coverage

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

const hoursPerDay = 24

// Analyzer derives coverage gaps from the set of known capture timestamps.
type Analyzer struct {
	scorer             Scorer
	defaultPagesPerDay float64
	ids                archiver.IDGenerator
}

// New builds an Analyzer. A nil scorer falls back to DefaultScorer;
// defaultPagesPerDay is used for domains without page history.
func New(scorer Scorer, defaultPagesPerDay float64, ids archiver.IDGenerator) *Analyzer {
	if scorer == nil {
		scorer = DefaultScorer
	}
	if defaultPagesPerDay <= 0 {
		defaultPagesPerDay = 5.0
	}
	return &Analyzer{
		scorer:             scorer,
		defaultPagesPerDay: defaultPagesPerDay,
		ids:                ids,
	}
}

// Analyze computes the full gap set for a domain. Adjacent captures whose
// spacing is within overlap_days merge into covered intervals; any wider span
// becomes a gap [earlier capture, later capture). A trailing gap
// [last capture, now) is produced when the newest capture is older than
// overlap_days. Time before the first capture is unanalyzed history, not a
// gap. The result is non-overlapping and ordered by start time.
func (a *Analyzer) Analyze(
	domain archiver.Domain,
	timestamps []time.Time,
	pagesPerDay float64,
	now time.Time,
) ([]archiver.CoverageGap, error) {
	if len(timestamps) == 0 {
		return nil, nil
	}
	overlap := time.Duration(domain.Config.OverlapDays) * hoursPerDay * time.Hour
	if overlap <= 0 {
		overlap = 30 * hoursPerDay * time.Hour
	}
	if pagesPerDay <= 0 {
		pagesPerDay = a.defaultPagesPerDay
	}

	sorted := make([]time.Time, len(timestamps))
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var gaps []archiver.CoverageGap
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Sub(sorted[i-1]) > overlap {
			gap, err := a.buildGap(domain, sorted[i-1], sorted[i], pagesPerDay, now)
			if err != nil {
				return nil, err
			}
			gaps = append(gaps, gap)
		}
	}
	last := sorted[len(sorted)-1]
	if now.Sub(last) > overlap {
		gap, err := a.buildGap(domain, last, now, pagesPerDay, now)
		if err != nil {
			return nil, err
		}
		gaps = append(gaps, gap)
	}
	return gaps, nil
}

// AnalyzeWindow recomputes only the gaps intersecting [from, to). It returns
// the recomputed subset plus the replacement window the store must clear,
// expanded so no surviving gap is truncated at a window edge.
func (a *Analyzer) AnalyzeWindow(
	domain archiver.Domain,
	timestamps []time.Time,
	pagesPerDay float64,
	now time.Time,
	from, to time.Time,
) ([]archiver.CoverageGap, time.Time, time.Time, error) {
	all, err := a.Analyze(domain, timestamps, pagesPerDay, now)
	if err != nil {
		return nil, time.Time{}, time.Time{}, err
	}
	windowStart, windowEnd := from, to
	var hit []archiver.CoverageGap
	for _, gap := range all {
		if !gap.GapEnd.After(from) || !gap.GapStart.Before(to) {
			continue
		}
		if gap.GapStart.Before(windowStart) {
			windowStart = gap.GapStart
		}
		if gap.GapEnd.After(windowEnd) {
			windowEnd = gap.GapEnd
		}
		hit = append(hit, gap)
	}
	return hit, windowStart, windowEnd, nil
}

func (a *Analyzer) buildGap(
	domain archiver.Domain,
	start, end time.Time,
	pagesPerDay float64,
	now time.Time,
) (archiver.CoverageGap, error) {
	days := end.Sub(start).Hours() / hoursPerDay
	gap := archiver.CoverageGap{
		DomainID:       domain.ID,
		GapStart:       start,
		GapEnd:         end,
		DaysMissing:    days,
		EstimatedPages: estimatePages(days, pagesPerDay),
	}
	gap.PriorityScore = a.scorer(gap, domain, now)
	if a.ids != nil {
		id, err := a.ids.NewID()
		if err != nil {
			return archiver.CoverageGap{}, fmt.Errorf("generate gap id: %w", err)
		}
		gap.ID = id
	}
	return gap, nil
}

func estimatePages(days, pagesPerDay float64) int {
	est := int(math.Round(days * pagesPerDay))
	if est < 1 {
		est = 1
	}
	return est
}

// Percentage returns covered time as a share of observable history
// (first capture through now). 100 when no history or no gaps.
func Percentage(timestamps []time.Time, gaps []archiver.CoverageGap, now time.Time) float64 {
	if len(timestamps) == 0 {
		return 0
	}
	first := timestamps[0]
	for _, ts := range timestamps[1:] {
		if ts.Before(first) {
			first = ts
		}
	}
	total := now.Sub(first).Hours()
	if total <= 0 {
		return 100
	}
	var missing float64
	for _, gap := range gaps {
		missing += gap.GapEnd.Sub(gap.GapStart).Hours()
	}
	pct := 100 * (1 - missing/total)
	if pct < 0 {
		return 0
	}
	return pct
}
