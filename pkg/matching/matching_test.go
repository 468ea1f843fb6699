package matching

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
)

type population struct {
	clusters map[string]models.PatternCluster
	patients map[string]models.PatientRecord
}

func (p population) Cluster(id string) (models.PatternCluster, bool) {
	c, ok := p.clusters[id]
	return c, ok
}

func (p population) Patient(id string) (models.PatientRecord, bool) {
	r, ok := p.patients[id]
	return r, ok
}

func diabetesTrial() models.TrialCriteria {
	return models.TrialCriteria{
		TrialID:        "NCT01",
		InclusionCodes: terminology.CodeSet{terminology.ICD10: {"E11.9"}},
		ExclusionCodes: terminology.CodeSet{terminology.ICD10: {"E11.21"}},
		AgeRange:       models.AgeRange{Min: 18, Max: 65},
	}
}

func TestPatternMatcherFormulaAndOrder(t *testing.T) {
	clusters := []models.PatternCluster{
		{ID: "PATTERN_0", MemberCount: 100, HistoricalSuccessRate: 0.9, Confidence: 0.8, AgeMin: 30, AgeMax: 60},
		{ID: "PATTERN_1", MemberCount: 50, HistoricalSuccessRate: 0.9, Confidence: 0.8, AgeMin: 70, AgeMax: 90},
		{ID: "PATTERN_2", MemberCount: 3, HistoricalSuccessRate: 1, Confidence: 1, AgeMin: 30, AgeMax: 40},
	}
	ranked := NewPatternMatcher(10, 20).Match(diabetesTrial(), clusters)
	if len(ranked) != 2 {
		t.Fatalf("expected the small pattern to be filtered, got %+v", ranked)
	}
	want := 0.4*0.9 + 0.3*0.8 + 0.2*1 + 0.1*1
	if ranked[0].PatternID != "PATTERN_0" || math.Abs(ranked[0].MatchScore-want) > 1e-9 {
		t.Fatalf("unexpected top pattern %+v (want score %.3f)", ranked[0], want)
	}
	if ranked[1].DiversityFactor != 0 || ranked[1].SizeFactor != 0.5 {
		t.Fatalf("expected out-of-range pattern down-weighted, got %+v", ranked[1])
	}
}

func TestPatternMatcherTiesByConfidence(t *testing.T) {
	a := models.RankedPattern{PatternID: "PATTERN_0", MatchScore: 0.5, Confidence: 0.4}
	b := models.RankedPattern{PatternID: "PATTERN_1", MatchScore: 0.5, Confidence: 0.7}
	if rankedBefore(a, b) || !rankedBefore(b, a) {
		t.Fatal("expected higher confidence to win a score tie")
	}
	b.Confidence = a.Confidence
	if !rankedBefore(a, b) {
		t.Fatal("expected pattern id to break a full tie")
	}
}

func TestPatternMatcherTopK(t *testing.T) {
	var clusters []models.PatternCluster
	for i := 0; i < 5; i++ {
		clusters = append(clusters, models.PatternCluster{ID: string(rune('A' + i)), MemberCount: 10 + i, AgeMin: 20, AgeMax: 30})
	}
	if got := NewPatternMatcher(0, 3).Match(diabetesTrial(), clusters); len(got) != 3 || got[0].PatternID != "E" {
		t.Fatalf("unexpected top-k %+v", got)
	}
}

func candidatePopulation() population {
	return population{
		clusters: map[string]models.PatternCluster{
			"PATTERN_0": {ID: "PATTERN_0", MemberPatientIDs: []string{"P1", "P2", "P3"}, Centroid: []float64{0, 0}, Spread: 1, HistoricalSuccessRate: 0.9},
			"PATTERN_1": {ID: "PATTERN_1", MemberPatientIDs: []string{"P4", "P5"}, Centroid: []float64{5, 5}, Spread: 1, HistoricalSuccessRate: 0.5},
		},
		patients: map[string]models.PatientRecord{
			"P1": {PatientID: "P1", Age: 45, Gender: "female", PatternID: "PATTERN_0", Embedding: []float64{0, 0},
				ConditionCodes: []terminology.Code{{System: terminology.ICD10, Code: "E11.9", Display: "Type 2 diabetes"}},
				History:        models.EnrollmentHistory{Approached: 2, Enrolled: 1}},
			"P2": {PatientID: "P2", Age: 70, Gender: "female", PatternID: "PATTERN_0", Embedding: []float64{0, 1}},
			"P3": {PatientID: "P3", Age: 30, Gender: "male", PatternID: "PATTERN_0", Embedding: []float64{1, 0}},
			"P4": {PatientID: "P4", Age: 63, Gender: "Female", PatternID: "PATTERN_1", Embedding: []float64{5, 5},
				ConditionCodes: []terminology.Code{{System: terminology.ICD10, Code: "E11.9"}}},
			"P5": {PatientID: "P5", Age: 50, Gender: "", PatternID: "PATTERN_1", Embedding: []float64{5, 6}},
		},
	}
}

func TestCandidateFinderNeverBreaksDemographics(t *testing.T) {
	pop := candidatePopulation()
	criteria := diabetesTrial()
	criteria.GenderConstraint = "female"
	ranked := []models.RankedPattern{{PatternID: "PATTERN_1"}, {PatternID: "PATTERN_0"}, {PatternID: "PATTERN_9"}}

	got, err := NewCandidateFinder(0).Find(context.Background(), ranked, criteria, pop)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].PatientID != "P4" || got[1].PatientID != "P1" {
		t.Fatalf("unexpected candidates %+v", got)
	}
	for _, p := range got {
		if !criteria.AgeRange.Contains(p.Age) {
			t.Fatalf("candidate %s outside age range", p.PatientID)
		}
	}

	capped, _ := NewCandidateFinder(1).Find(context.Background(), ranked, criteria, pop)
	if len(capped) != 1 || capped[0].PatientID != "P4" {
		t.Fatalf("expected cap of one from the top pattern, got %+v", capped)
	}
}

func TestScorerWeightsAndOrdering(t *testing.T) {
	pop := candidatePopulation()
	criteria := diabetesTrial()
	candidates := []models.PatientRecord{pop.patients["P3"], pop.patients["P1"], pop.patients["P4"]}

	matches, err := NewScorer().Score(context.Background(), candidates, criteria, pop)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 3 || matches[0].PatientID != "P1" {
		t.Fatalf("unexpected ordering %+v", matches)
	}
	top := matches[0]
	if top.EligibilityScore != 1 || top.SimilarityScore != 1 || top.EnrollmentProbability != 0.9 {
		t.Fatalf("unexpected sub-scores %+v", top)
	}
	if math.Abs(top.OverallScore-(0.4+0.3+0.27)) > 1e-9 {
		t.Fatalf("unexpected overall score %.4f", top.OverallScore)
	}
	wantReasons := []string{"Age 45 fits trial criteria", "Has Type 2 diabetes diagnosis", "Meets 1 of 1 inclusion codes", "Previous trial experience (2 trials)"}
	if len(top.MatchReasons) != len(wantReasons) {
		t.Fatalf("unexpected reasons %v", top.MatchReasons)
	}
	for i := range wantReasons {
		if top.MatchReasons[i] != wantReasons[i] {
			t.Fatalf("unexpected reasons %v", top.MatchReasons)
		}
	}

	var p4 models.PatientMatch
	for _, m := range matches {
		if m.PatientID == "P4" {
			p4 = m
		}
	}
	if len(p4.RiskFactors) != 2 || p4.RiskFactors[0] != "Age near upper limit" || p4.RiskFactors[1] != "No previous trial experience" {
		t.Fatalf("unexpected risks %v", p4.RiskFactors)
	}
	if matches[2].PatientID != "P3" || matches[2].EligibilityScore != 0 {
		t.Fatalf("expected P3 last with no inclusion codes, got %+v", matches[2])
	}
}

func TestScorerTiesByPatientID(t *testing.T) {
	pop := population{
		clusters: map[string]models.PatternCluster{"PATTERN_0": {ID: "PATTERN_0", Centroid: []float64{0}, HistoricalSuccessRate: 0.5}},
	}
	candidates := []models.PatientRecord{
		{PatientID: "B", Age: 40, PatternID: "PATTERN_0", Embedding: []float64{0}},
		{PatientID: "A", Age: 40, PatternID: "PATTERN_0", Embedding: []float64{0}},
	}
	matches, err := NewScorer().Score(context.Background(), candidates, diabetesTrial(), pop)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matches[0].PatientID != "A" || matches[1].PatientID != "B" {
		t.Fatalf("expected id order on ties, got %+v", matches)
	}
}

func TestScorerLabPenalty(t *testing.T) {
	low, high := 7.0, 10.0
	criteria := diabetesTrial()
	criteria.LabRequirements = map[string]models.LabBound{"4548-4": {Min: &low, Max: &high}}
	patient := models.PatientRecord{
		PatientID: "P1", Age: 40, PatternID: "PATTERN_0", Embedding: []float64{0},
		ConditionCodes: []terminology.Code{{System: terminology.ICD10, Code: "E11.9"}},
		LabValues:      map[string]float64{"4548-4": 12.5},
	}
	pop := population{clusters: map[string]models.PatternCluster{"PATTERN_0": {ID: "PATTERN_0", Centroid: []float64{0}}}}
	matches, err := NewScorer().Score(context.Background(), []models.PatientRecord{patient}, criteria, pop)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(matches[0].EligibilityScore-0.8) > 1e-9 {
		t.Fatalf("expected lab penalty, got %.3f", matches[0].EligibilityScore)
	}
}

func TestScorerDimensionMismatch(t *testing.T) {
	pop := population{clusters: map[string]models.PatternCluster{"PATTERN_0": {ID: "PATTERN_0", Centroid: []float64{0, 0, 0}}}}
	_, err := NewScorer().Score(context.Background(), []models.PatientRecord{{PatientID: "P1", Age: 30, PatternID: "PATTERN_0", Embedding: []float64{0, 0}}}, diabetesTrial(), pop)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
}

func TestDistribution(t *testing.T) {
	d := Distribution([]models.PatientMatch{{OverallScore: 0.9}, {OverallScore: 0.8}, {OverallScore: 0.6}, {OverallScore: 0.1}})
	if d.High != 2 || d.Medium != 1 || d.Low != 1 || d.Average != 0.6 {
		t.Fatalf("unexpected distribution %+v", d)
	}
	if empty := Distribution(nil); empty != (models.ScoreDistribution{}) {
		t.Fatalf("expected zero distribution, got %+v", empty)
	}
}

func TestSimilarityBounds(t *testing.T) {
	if got := Similarity([]float64{1, 1}, []float64{1, 1}, 0); got != 1 {
		t.Fatalf("expected 1 at the centroid, got %f", got)
	}
	if got := Similarity([]float64{2}, []float64{0}, 2); got != 0.5 {
		t.Fatalf("expected 0.5 at one spread, got %f", got)
	}
}
