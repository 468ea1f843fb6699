package matching

import (
	"sort"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
)

const (
	weightSuccess    = 0.4
	weightConfidence = 0.3
	weightSize       = 0.2
	weightDiversity  = 0.1

	// neutralDiversity is used when a pattern carries no age statistics.
	neutralDiversity = 0.5
)

// PatternMatcher ranks discovered patterns against a trial.
type PatternMatcher struct {
	MinPatternSize int
	MaxPatterns    int
}

func NewPatternMatcher(minPatternSize, maxPatterns int) *PatternMatcher {
	return &PatternMatcher{MinPatternSize: minPatternSize, MaxPatterns: maxPatterns}
}

// Match scores every pattern at or above the minimum size. Patterns whose age
// profile falls outside the trial range are down-weighted, never dropped.
func (m *PatternMatcher) Match(criteria models.TrialCriteria, clusters []models.PatternCluster) []models.RankedPattern {
	eligible := make([]models.PatternCluster, 0, len(clusters))
	largest := 0
	for _, c := range clusters {
		if c.MemberCount <= 0 || c.MemberCount < m.MinPatternSize {
			continue
		}
		eligible = append(eligible, c)
		if c.MemberCount > largest {
			largest = c.MemberCount
		}
	}

	ranked := make([]models.RankedPattern, 0, len(eligible))
	for _, c := range eligible {
		size := float64(c.MemberCount) / float64(largest)
		diversity := ageDiversity(c, criteria.AgeRange)
		score := weightSuccess*c.HistoricalSuccessRate +
			weightConfidence*c.Confidence +
			weightSize*size +
			weightDiversity*diversity
		ranked = append(ranked, models.RankedPattern{
			PatternID:       c.ID,
			MatchScore:      clamp01(score),
			SizeFactor:      size,
			DiversityFactor: diversity,
			Confidence:      c.Confidence,
			SuccessRate:     c.HistoricalSuccessRate,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return rankedBefore(ranked[i], ranked[j]) })
	if m.MaxPatterns > 0 && len(ranked) > m.MaxPatterns {
		ranked = ranked[:m.MaxPatterns]
	}
	return ranked
}

func rankedBefore(a, b models.RankedPattern) bool {
	if a.MatchScore != b.MatchScore {
		return a.MatchScore > b.MatchScore
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.PatternID < b.PatternID
}

// ageDiversity is the share of the pattern's age span inside the trial range.
func ageDiversity(c models.PatternCluster, r models.AgeRange) float64 {
	if c.AgeMax < c.AgeMin {
		return neutralDiversity
	}
	lo, hi := c.AgeMin, c.AgeMax
	if r.Min > lo {
		lo = r.Min
	}
	if r.Max < hi {
		hi = r.Max
	}
	if hi < lo {
		return 0
	}
	return float64(hi-lo+1) / float64(c.AgeMax-c.AgeMin+1)
}
