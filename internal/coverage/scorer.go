package coverage

import (
	"math"
	"time"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// Scorer assigns a priority score to a gap; higher means more urgent. The
// weighting is pluggable so deployments can tune recency versus size.
type Scorer func(gap archiver.CoverageGap, domain archiver.Domain, now time.Time) float64

// recencyHorizon is the gap-end age at which the recency factor bottoms out.
const recencyHorizon = 2 * 365 * hoursPerDay * time.Hour

// DefaultScorer scores gaps monotonically in days_missing, decays scores for
// gaps ending deep in the past, and doubles scores for priority domains.
func DefaultScorer(gap archiver.CoverageGap, domain archiver.Domain, now time.Time) float64 {
	size := math.Log2(1 + gap.DaysMissing)

	age := now.Sub(gap.GapEnd)
	recency := 1.0
	if age > 0 {
		frac := float64(age) / float64(recencyHorizon)
		if frac > 1 {
			frac = 1
		}
		recency = 1 - 0.75*frac
	}

	score := size * recency
	if domain.Config.Priority {
		score *= 2
	}
	return score
}
