package forecast

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
)

const (
	// patientsPerSiteWeek is the enrolment pace of a site with full capacity.
	patientsPerSiteWeek = 2.5
	highScore           = 0.8
	siteSaturation      = 5
	fewSites            = 3
	lowSuccess          = 0.7
	longTimelineWeeks   = 52
	referralWeeks       = 40
	maxNotes            = 5
)

var milestonePercentages = []int{25, 50, 75, 100}

// Predictor projects enrolment for a trial from its validated matches and
// recommended sites.
type Predictor struct {
	HorizonWeeks float64
}

func NewPredictor(horizonWeeks int) *Predictor {
	if horizonWeeks <= 0 {
		horizonWeeks = 104
	}
	return &Predictor{HorizonWeeks: float64(horizonWeeks)}
}

// Forecast never returns an infinite or NaN week count. When the weekly rate
// rounds to zero or the target cannot be met inside the horizon the forecast
// is marked not achievable and the weeks are pinned to the horizon.
func (p *Predictor) Forecast(valid []models.PatientMatch, sites []models.SiteRecommendation, target int) models.EnrollmentForecast {
	if target < 0 {
		target = 0
	}
	avgProb := averageProbability(valid)
	var capacity float64
	for _, site := range sites {
		capacity += patientsPerSiteWeek * site.CapacityScore
	}
	rate := round(capacity*avgProb, 1)

	f := models.EnrollmentForecast{
		TargetEnrollment:   target,
		WeeklyRate:         rate,
		TimelineAchievable: true,
		Milestones:         []models.Milestone{},
	}
	switch {
	case target == 0:
		f.EstimatedWeeks = 0
	case rate <= 0:
		f.EstimatedWeeks = p.HorizonWeeks
		f.TimelineAchievable = false
	default:
		weeks := float64(target) / rate
		if weeks > p.HorizonWeeks {
			weeks = p.HorizonWeeks
			f.TimelineAchievable = false
		}
		f.EstimatedWeeks = round(weeks, 1)
	}

	predicted := int(rate * f.EstimatedWeeks)
	if pool := int(float64(len(valid)) * avgProb); pool < predicted {
		predicted = pool
	}
	if target < predicted {
		predicted = target
	}
	f.PredictedEnrollment = predicted

	if rate > 0 {
		for _, pct := range milestonePercentages {
			enrollment := int(math.Ceil(float64(target*pct) / 100))
			week := round(float64(enrollment)/rate, 1)
			if week > p.HorizonWeeks {
				break
			}
			f.Milestones = append(f.Milestones, models.Milestone{Week: week, Enrollment: enrollment, Percentage: pct})
		}
	}

	highRatio := highScoreRatio(valid)
	f.Confidence = p.confidence(len(valid), target, avgProb, highRatio, len(sites))
	f.RiskFactors = p.risks(f, len(valid), avgProb, highRatio, len(sites))
	f.Recommendations = recommendations(valid, f, len(sites))
	f.PatternAnalysis = patternAnalysis(valid)

	logger.Log.WithFields(logrus.Fields{
		"target":      target,
		"weekly_rate": rate,
		"weeks":       f.EstimatedWeeks,
		"achievable":  f.TimelineAchievable,
	}).Debug("Enrollment forecast computed")
	return f
}

// confidence rises with oversubscription, pattern success, strong matches and
// site count.
func (p *Predictor) confidence(valid, target int, avgProb, highRatio float64, sites int) float64 {
	subscription := 1.0
	if target > 0 {
		subscription = math.Min(float64(valid)/float64(target), 1)
	}
	siteFactor := math.Min(float64(sites)/siteSaturation, 1)
	return round(0.3*subscription+0.3*avgProb+0.2*highRatio+0.2*siteFactor, 3)
}

func (p *Predictor) risks(f models.EnrollmentForecast, valid int, avgProb, highRatio float64, sites int) []string {
	risks := []string{}
	if !f.TimelineAchievable && f.TargetEnrollment > 0 {
		risks = append(risks, fmt.Sprintf("Timeline not achievable within %.0f-week planning horizon", p.HorizonWeeks))
	}
	if valid < f.TargetEnrollment {
		risks = append(risks, fmt.Sprintf("Limited patient pool: %d eligible vs %d target", valid, f.TargetEnrollment))
	}
	if sites < fewSites {
		risks = append(risks, fmt.Sprintf("Few sites: Only %d recommended sites", sites))
	}
	if avgProb < lowSuccess {
		risks = append(risks, fmt.Sprintf("Low historical success rate: %.0f%%", avgProb*100))
	}
	if f.EstimatedWeeks > longTimelineWeeks {
		risks = append(risks, fmt.Sprintf("Long timeline: %.0f weeks exceeds 1 year", f.EstimatedWeeks))
	}
	if valid > 0 && highRatio < 0.5 {
		risks = append(risks, "Less than 50% of candidates have high match scores")
	}
	if len(risks) > maxNotes {
		risks = risks[:maxNotes]
	}
	return risks
}

func recommendations(valid []models.PatientMatch, f models.EnrollmentForecast, sites int) []string {
	recs := []string{}
	if sites < siteSaturation {
		recs = append(recs, fmt.Sprintf("Expand to %d additional sites to accelerate enrollment", siteSaturation-sites))
	}
	if float64(len(valid)) < 1.5*float64(f.TargetEnrollment) {
		recs = append(recs, "Broaden eligibility criteria to increase patient pool")
	}
	if averageScore(valid) < highScore {
		recs = append(recs, "Focus outreach on high-scoring patients (>0.8) first")
	}
	if f.EstimatedWeeks > referralWeeks {
		recs = append(recs, "Consider patient referral incentive program")
	}
	recs = append(recs, "Use pattern insights to optimize recruitment messaging")
	if len(recs) > maxNotes {
		recs = recs[:maxNotes]
	}
	return recs
}

func patternAnalysis(valid []models.PatientMatch) map[string]interface{} {
	success := map[string]float64{}
	high := 0
	for _, m := range valid {
		success[m.PatternID] = m.EnrollmentProbability
		if m.OverallScore >= highScore {
			high++
		}
	}
	analysis := map[string]interface{}{
		"total_patterns_used":      len(success),
		"eligible_patient_pool":    len(valid),
		"high_confidence_patients": high,
		"average_pattern_success":  0.0,
		"best_pattern_success":     0.0,
		"worst_pattern_success":    0.0,
	}
	if len(success) == 0 {
		return analysis
	}
	best, worst, sum := 0.0, 1.0, 0.0
	for _, rate := range success {
		sum += rate
		best = math.Max(best, rate)
		worst = math.Min(worst, rate)
	}
	analysis["average_pattern_success"] = round(sum/float64(len(success)), 3)
	analysis["best_pattern_success"] = round(best, 3)
	analysis["worst_pattern_success"] = round(worst, 3)
	return analysis
}

func averageProbability(matches []models.PatientMatch) float64 {
	if len(matches) == 0 {
		return 0
	}
	var sum float64
	for _, m := range matches {
		sum += m.EnrollmentProbability
	}
	return sum / float64(len(matches))
}

func averageScore(matches []models.PatientMatch) float64 {
	if len(matches) == 0 {
		return 0
	}
	var sum float64
	for _, m := range matches {
		sum += m.OverallScore
	}
	return sum / float64(len(matches))
}

func highScoreRatio(matches []models.PatientMatch) float64 {
	if len(matches) == 0 {
		return 0
	}
	high := 0
	for _, m := range matches {
		if m.OverallScore >= highScore {
			high++
		}
	}
	return float64(high) / float64(len(matches))
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
