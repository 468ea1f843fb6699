package patterns

import (
	"fmt"
	"sort"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
)

// Insights summarises clusters for API consumers, best success rate first.
func Insights(clusters []models.PatternCluster, limit int) []models.PatternInsight {
	sorted := append([]models.PatternCluster(nil), clusters...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].HistoricalSuccessRate != sorted[j].HistoricalSuccessRate {
			return sorted[i].HistoricalSuccessRate > sorted[j].HistoricalSuccessRate
		}
		return sorted[i].ID < sorted[j].ID
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]models.PatternInsight, 0, len(sorted))
	for _, c := range sorted {
		features := []string{
			fmt.Sprintf("Size: %d patients", c.MemberCount),
			fmt.Sprintf("Success rate: %.1f%%", c.HistoricalSuccessRate*100),
			fmt.Sprintf("Confidence: %.1f%%", c.Confidence*100),
			fmt.Sprintf("Age %d-%d (mean %.0f)", c.AgeMin, c.AgeMax, c.AgeMean),
		}
		description := fmt.Sprintf("%s: %d patients aged %d-%d", c.ID, c.MemberCount, c.AgeMin, c.AgeMax)
		if len(c.TopConditions) > 0 {
			top := c.TopConditions[0]
			label := top.Display
			if label == "" {
				label = top.Code
			}
			features = append(features, fmt.Sprintf("Common condition: %s (%s %s)", label, top.System, top.Code))
			description = fmt.Sprintf("%s: %s patients aged %d-%d", c.ID, label, c.AgeMin, c.AgeMax)
		}
		out = append(out, models.PatternInsight{
			PatternID:   c.ID,
			Description: description,
			Size:        c.MemberCount,
			SuccessRate: c.HistoricalSuccessRate,
			Confidence:  c.Confidence,
			KeyFeatures: features,
		})
	}
	return out
}
