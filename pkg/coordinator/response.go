package coordinator

import (
	"math"
	"time"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/matching"
	"github.com/synaptica-ai/trialmatch/pkg/patterns"
	"github.com/synaptica-ai/trialmatch/pkg/validation"
)

// responseBuilder accumulates stage output so a failed run still reports
// everything computed before the failure.
type responseBuilder struct {
	started time.Time
	resp    models.MatchResponse
}

func newResponseBuilder(req models.MatchRequest, started time.Time) *responseBuilder {
	return &responseBuilder{
		started: started,
		resp: models.MatchResponse{
			RequestID:           req.RequestID,
			TrialID:             req.TrialID,
			PatternInsights:     []models.PatternInsight{},
			TrialMatches:        []models.TrialMatch{},
			SiteRecommendations: []models.SiteSummary{},
			Metadata:            map[string]interface{}{},
		},
	}
}

func (b *responseBuilder) criteria(c models.TrialCriteria) {
	b.resp.Metadata["target_enrollment"] = c.TargetEnrollment
	b.resp.Metadata["age_range"] = c.AgeRange
}

func (b *responseBuilder) snapshot(s *patterns.Snapshot, insightLimit int) {
	b.resp.Statistics = s.Statistics
	b.resp.PatternInsights = patterns.Insights(s.Clusters, insightLimit)
	if !s.DiscoveredAt.IsZero() {
		b.resp.Metadata["patterns_discovered_at"] = s.DiscoveredAt
	}
}

func (b *responseBuilder) ranked(ranked []models.RankedPattern) {
	b.resp.Metadata["patterns_matched"] = len(ranked)
}

func (b *responseBuilder) candidates(candidates []models.PatientRecord) {
	b.resp.Metadata["candidates_found"] = len(candidates)
}

func (b *responseBuilder) scored(scored []models.PatientMatch) {
	b.resp.Metadata["patients_scored"] = len(scored)
	b.resp.Metadata["score_distribution"] = matching.Distribution(scored)
}

// validated merges scores with validation results and returns the valid matches.
func (b *responseBuilder) validated(scored []models.PatientMatch, results []models.PatientValidation, summary validation.Summary) []models.PatientMatch {
	byID := make(map[string]models.PatientValidation, len(results))
	for _, r := range results {
		byID[r.PatientID] = r
	}
	valid := make([]models.PatientMatch, 0, summary.Valid)
	matches := make([]models.TrialMatch, 0, len(scored))
	for _, m := range scored {
		v := byID[m.PatientID]
		matches = append(matches, models.TrialMatch{
			PatientID:             m.PatientID,
			PatternID:             m.PatternID,
			OverallScore:          m.OverallScore,
			EligibilityScore:      m.EligibilityScore,
			SimilarityScore:       m.SimilarityScore,
			EnrollmentProbability: m.EnrollmentProbability,
			IsValid:               v.IsValid,
			ExclusionViolations:   v.ExclusionViolations,
			MatchReasons:          m.MatchReasons,
			RiskFactors:           m.RiskFactors,
		})
		if v.IsValid {
			valid = append(valid, m)
		}
	}
	b.resp.TrialMatches = matches
	b.resp.Metadata["validation"] = map[string]interface{}{
		"validated":           summary.Validated,
		"valid":               summary.Valid,
		"invalid":             summary.Invalid,
		"exclusion_reasons":   summary.ReasonCounts,
		"top_exclusion_cause": summary.TopReasons(3),
	}
	return valid
}

func (b *responseBuilder) sites(recommended []models.SiteRecommendation, coverage float64) {
	out := make([]models.SiteSummary, 0, len(recommended))
	for _, s := range recommended {
		out = append(out, models.SiteSummary{
			SiteID:               s.SiteID,
			Name:                 s.Name,
			FeasibilityScore:     s.FeasibilityScore,
			CapabilityScore:      s.CapabilityScore,
			ExperienceScore:      s.ExperienceScore,
			PopulationScore:      s.PopulationScore,
			CapacityScore:        s.CapacityScore,
			PriorityScore:        s.PriorityScore,
			AssignedPatientCount: len(s.AssignedPatientIDs),
			AverageDistanceKM:    math.Round(s.AverageDistanceKM*10) / 10,
		})
	}
	b.resp.SiteRecommendations = out
	b.resp.Metadata["site_coverage"] = math.Round(coverage*1000) / 10
}

func (b *responseBuilder) forecast(f models.EnrollmentForecast) {
	b.resp.EnrollmentForecast = &f
}

func (b *responseBuilder) finish(run *pipelineRun, err error) models.MatchResponse {
	resp := b.resp
	resp.ProcessingTimeSeconds = time.Since(b.started).Seconds()
	resp.State = string(run.state)
	resp.Metadata["stages_executed"] = run.executed
	resp.Metadata["stage_timings_ms"] = run.timings

	if err == nil {
		resp.Status = statusSuccess
		return resp
	}
	resp.FailedStage = StageNameFromError(err)
	resp.Error = err.Error()
	resp.Metadata["final_state"] = StateFailed
	switch run.state {
	case StateIdle, StateEligibilityReceived:
		resp.Status = statusError
	default:
		resp.Status = statusPartial
	}
	return resp
}
