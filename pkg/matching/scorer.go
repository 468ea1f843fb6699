package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
)

var (
	ErrUnknownPattern    = errors.New("candidate references unknown pattern")
	ErrDimensionMismatch = errors.New("embedding and centroid dimensions differ")
)

const (
	weightEligibility = 0.4
	weightSimilarity  = 0.3
	weightProbability = 0.3

	outOfAgePenalty = 0.5
	outOfLabPenalty = 0.8

	strongEligibility = 0.8
	strongSimilarity  = 0.8
	strongSuccess     = 0.8
	ageMarginYears    = 5
	manyMedications   = 5

	maxReasons = 4
	maxRisks   = 3
)

// Scorer computes per-patient match scores.
type Scorer struct{}

func NewScorer() *Scorer {
	return &Scorer{}
}

// Score returns one match per candidate, best first, ties by patient id.
func (s *Scorer) Score(ctx context.Context, candidates []models.PatientRecord, criteria models.TrialCriteria, pop Population) ([]models.PatientMatch, error) {
	matches := make([]models.PatientMatch, 0, len(candidates))
	for i, p := range candidates {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		cluster, ok := pop.Cluster(p.PatternID)
		if !ok {
			return nil, fmt.Errorf("patient %s, pattern %q: %w", p.PatientID, p.PatternID, ErrUnknownPattern)
		}
		if len(p.Embedding) != len(cluster.Centroid) {
			return nil, fmt.Errorf("patient %s has %d dimensions, pattern %s has %d: %w",
				p.PatientID, len(p.Embedding), cluster.ID, len(cluster.Centroid), ErrDimensionMismatch)
		}

		fit := eligibilityFit(p, criteria)
		similarity := Similarity(p.Embedding, cluster.Centroid, cluster.Spread)
		probability := clamp01(cluster.HistoricalSuccessRate)
		matches = append(matches, models.PatientMatch{
			PatientID:             p.PatientID,
			TrialID:               criteria.TrialID,
			PatternID:             cluster.ID,
			OverallScore:          clamp01(weightEligibility*fit.score + weightSimilarity*similarity + weightProbability*probability),
			EligibilityScore:      fit.score,
			SimilarityScore:       similarity,
			EnrollmentProbability: probability,
			MatchReasons:          matchReasons(p, criteria, fit, similarity, probability),
			RiskFactors:           riskFactors(p, criteria, fit),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].OverallScore != matches[j].OverallScore {
			return matches[i].OverallScore > matches[j].OverallScore
		}
		return matches[i].PatientID < matches[j].PatientID
	})
	return matches, nil
}

type fit struct {
	score            float64
	matched, total   int
	inAge            bool
	labsOutOfRange   []string
	matchedCondition *terminology.Code
}

// eligibilityFit is the fraction of required inclusion codes the patient
// carries, penalised for age and lab values outside the stated bounds.
func eligibilityFit(p models.PatientRecord, criteria models.TrialCriteria) fit {
	own := p.Codes()
	var f fit
	for system, codes := range criteria.InclusionCodes {
		for _, code := range codes {
			f.total++
			if own.Contains(system, code) {
				f.matched++
			}
		}
	}
	f.score = 1
	if f.total > 0 {
		f.score = float64(f.matched) / float64(f.total)
	}

	f.inAge = criteria.AgeRange.Contains(p.Age)
	if !f.inAge {
		f.score *= outOfAgePenalty
	}
	labs := make([]string, 0, len(criteria.LabRequirements))
	for loinc := range criteria.LabRequirements {
		labs = append(labs, loinc)
	}
	sort.Strings(labs)
	for _, loinc := range labs {
		value, ok := p.LabValues[loinc]
		if ok && !criteria.LabRequirements[loinc].Contains(value) {
			f.score *= outOfLabPenalty
			f.labsOutOfRange = append(f.labsOutOfRange, loinc)
		}
	}

	for i := range p.ConditionCodes {
		c := p.ConditionCodes[i]
		if criteria.InclusionCodes.Contains(c.System, c.Code) {
			f.matchedCondition = &c
			break
		}
	}
	return f
}

// Similarity maps the distance to the centroid into (0,1]. Distances are
// measured in units of the pattern's spread, so a typical member scores 0.5.
func Similarity(embedding, centroid []float64, spread float64) float64 {
	var sum float64
	for i := range embedding {
		d := embedding[i] - centroid[i]
		sum += d * d
	}
	dist := math.Sqrt(sum)
	if spread > 1e-12 {
		dist /= spread
	}
	return 1 / (1 + dist)
}

func matchReasons(p models.PatientRecord, criteria models.TrialCriteria, f fit, similarity, probability float64) []string {
	reasons := []string{}
	if f.inAge {
		reasons = append(reasons, fmt.Sprintf("Age %d fits trial criteria", p.Age))
	}
	if f.matchedCondition != nil {
		label := f.matchedCondition.Display
		if label == "" {
			label = fmt.Sprintf("%s %s", f.matchedCondition.System, f.matchedCondition.Code)
		}
		reasons = append(reasons, fmt.Sprintf("Has %s diagnosis", label))
	}
	if f.score > strongEligibility && f.total > 0 {
		reasons = append(reasons, fmt.Sprintf("Meets %d of %d inclusion codes", f.matched, f.total))
	}
	if p.History.Approached > 0 {
		reasons = append(reasons, fmt.Sprintf("Previous trial experience (%d trials)", p.History.Approached))
	}
	if probability > strongSuccess {
		reasons = append(reasons, fmt.Sprintf("Similar patients have %.0f%% success rate", probability*100))
	}
	if similarity > strongSimilarity {
		reasons = append(reasons, "Closely resembles pattern profile")
	}
	if len(reasons) > maxReasons {
		reasons = reasons[:maxReasons]
	}
	return reasons
}

func riskFactors(p models.PatientRecord, criteria models.TrialCriteria, f fit) []string {
	risks := []string{}
	if p.Age > criteria.AgeRange.Max-ageMarginYears {
		risks = append(risks, "Age near upper limit")
	}
	if p.History.Approached == 0 {
		risks = append(risks, "No previous trial experience")
	}
	if len(p.MedicationCodes) > manyMedications {
		risks = append(risks, "Multiple medications may affect eligibility")
	}
	for _, loinc := range f.labsOutOfRange {
		risks = append(risks, fmt.Sprintf("Lab %s outside required range", loinc))
	}
	if len(risks) > maxRisks {
		risks = risks[:maxRisks]
	}
	return risks
}

// Distribution buckets overall scores: high >= 0.8, medium >= 0.5.
func Distribution(matches []models.PatientMatch) models.ScoreDistribution {
	var d models.ScoreDistribution
	if len(matches) == 0 {
		return d
	}
	var total float64
	for _, m := range matches {
		total += m.OverallScore
		switch {
		case m.OverallScore >= 0.8:
			d.High++
		case m.OverallScore >= 0.5:
			d.Medium++
		default:
			d.Low++
		}
	}
	d.Average = math.Round(total/float64(len(matches))*1000) / 1000
	return d
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
