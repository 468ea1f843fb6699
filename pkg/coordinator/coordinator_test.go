package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/eligibility"
	"github.com/synaptica-ai/trialmatch/pkg/forecast"
	"github.com/synaptica-ai/trialmatch/pkg/matching"
	"github.com/synaptica-ai/trialmatch/pkg/patterns"
	"github.com/synaptica-ai/trialmatch/pkg/sites"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
	"github.com/synaptica-ai/trialmatch/pkg/validation"
)

func icd(codes ...string) []terminology.Code {
	out := make([]terminology.Code, 0, len(codes))
	for _, c := range codes {
		out = append(out, terminology.Code{System: terminology.ICD10, Code: c})
	}
	return out
}

func testPatients() map[string]models.PatientRecord {
	return map[string]models.PatientRecord{
		"P1": {PatientID: "P1", Age: 45, ConditionCodes: icd("E11.9"), Embedding: []float64{0, 0}, PatternID: "PATTERN_0",
			Location: models.Location{Lat: 42.35, Lon: -71.05}},
		"P2": {PatientID: "P2", Age: 50, ConditionCodes: icd("E11.9", "E11.21"), Embedding: []float64{1, 0}, PatternID: "PATTERN_0"},
		"P3": {PatientID: "P3", Age: 80, ConditionCodes: icd("E11.9"), Embedding: []float64{0, 1}, PatternID: "PATTERN_0"},
		"P4": {PatientID: "P4", Age: 40, ConditionCodes: icd("E11.9"), Embedding: []float64{0, 1}, PatternID: "PATTERN_0"},
	}
}

func testSnapshot(patients map[string]models.PatientRecord) *patterns.Snapshot {
	cluster := models.PatternCluster{
		ID:                    "PATTERN_0",
		Centroid:              []float64{0, 0},
		MemberCount:           4,
		HistoricalSuccessRate: 0.8,
		Confidence:            0.9,
		MemberPatientIDs:      []string{"P1", "P2", "P3", "P4"},
		Spread:                1,
		AgeMin:                40,
		AgeMax:                80,
	}
	stats := models.DiscoveryStatistics{TotalPatients: 4, PatternsDiscovered: 1, ClusteredPatients: 4}
	return patterns.NewSnapshot([]models.PatternCluster{cluster}, patients, stats, 42)
}

func testProfiles() []models.SiteProfile {
	return []models.SiteProfile{{
		SiteID:                 "SITE-BOS",
		Location:               models.Location{Lat: 42.36, Lon: -71.06},
		ICD10ChapterExperience: map[string]models.ChapterExperience{"E10-E14": {TrialCount: 56, SuccessRate: 0.91}},
		EHRPopulationByCode:    map[string]int{"E11.9": 8000},
		Capacity:               models.SiteCapacity{MaxConcurrentTrials: 65, CurrentTrials: 20},
	}}
}

type blockingSites struct{}

func (blockingSites) Rank(ctx context.Context, _ models.TrialCriteria, _ []models.SiteProfile, _ int) ([]models.SiteRecommendation, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingSites) Assign(c []models.SiteRecommendation, _ []models.PatientRecord, _ int) []models.SiteRecommendation {
	return c
}

func newTestCoordinator(snapshot *patterns.Snapshot, siteRanker SiteRanker, opts Options) *Coordinator {
	registry := patterns.NewRegistry()
	registry.Publish(snapshot)
	catalog := terminology.DefaultCatalog()
	if siteRanker == nil {
		siteRanker = sites.NewScorer(sites.DefaultBands(), catalog, 2)
	}
	return New(Dependencies{
		Resolver:   eligibility.NewResolver(nil, nil, 100),
		Patterns:   registry,
		Matcher:    matching.NewPatternMatcher(0, 20),
		Candidates: matching.NewCandidateFinder(100),
		Scorer:     matching.NewScorer(),
		Validator:  validation.NewValidator(catalog),
		Sites:      siteRanker,
		Forecaster: forecast.NewPredictor(104),
		Profiles:   testProfiles(),
	}, opts)
}

func testRequest() models.MatchRequest {
	return models.MatchRequest{
		TrialID: "NCT00000001",
		Criteria: &models.TrialCriteria{
			InclusionCodes: terminology.CodeSet{terminology.ICD10: {"E11.9"}},
			ExclusionCodes: terminology.CodeSet{terminology.ICD10: {"E11.21"}},
			AgeRange:       models.AgeRange{Min: 18, Max: 65},
		},
		TargetEnrollment: 2,
	}
}

func TestRunCompletesPipeline(t *testing.T) {
	c := newTestCoordinator(testSnapshot(testPatients()), nil, Options{MaxSites: 5})
	resp, err := c.Run(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "success" || resp.State != string(StateDone) || resp.RequestID == "" {
		t.Fatalf("unexpected outcome status=%s state=%s id=%q", resp.Status, resp.State, resp.RequestID)
	}
	if executed := resp.Metadata["stages_executed"].([]string); len(executed) != len(Stages) {
		t.Fatalf("expected every stage to run, got %v", executed)
	}
	if len(resp.TrialMatches) != 3 {
		t.Fatalf("expected three demographically eligible matches, got %d", len(resp.TrialMatches))
	}
	for _, m := range resp.TrialMatches {
		if m.PatientID == "P3" {
			t.Fatal("patient outside the age range must not be matched")
		}
		if m.PatientID == "P2" {
			if m.IsValid || len(m.ExclusionViolations) != 1 || m.ExclusionViolations[0].Code != "E11.21" {
				t.Fatalf("expected P2 excluded on E11.21, got %+v", m)
			}
			continue
		}
		if !m.IsValid || m.OverallScore <= 0 {
			t.Fatalf("expected %s valid and scored, got %+v", m.PatientID, m)
		}
	}
	if len(resp.SiteRecommendations) != 1 || resp.SiteRecommendations[0].AssignedPatientCount != 1 {
		t.Fatalf("unexpected site recommendations %+v", resp.SiteRecommendations)
	}
	if resp.Metadata["site_coverage"] != 50.0 {
		t.Fatalf("expected 50%% coverage, got %v", resp.Metadata["site_coverage"])
	}
	if resp.EnrollmentForecast == nil || resp.EnrollmentForecast.TargetEnrollment != 2 {
		t.Fatalf("unexpected forecast %+v", resp.EnrollmentForecast)
	}
	if len(resp.PatternInsights) != 1 || resp.Statistics.PatternsDiscovered != 1 {
		t.Fatalf("unexpected pattern output %+v %+v", resp.PatternInsights, resp.Statistics)
	}
}

func TestRunWithNoPatternsSucceeds(t *testing.T) {
	stats := models.DiscoveryStatistics{TotalPatients: 4, NoisePatients: 4}
	c := newTestCoordinator(patterns.NewSnapshot(nil, testPatients(), stats, 42), nil, Options{})
	resp, err := c.Run(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "success" || resp.Statistics.PatternsDiscovered != 0 {
		t.Fatalf("unexpected outcome %s %+v", resp.Status, resp.Statistics)
	}
	if resp.PatternInsights == nil || len(resp.PatternInsights) != 0 || len(resp.TrialMatches) != 0 {
		t.Fatalf("expected empty insights and matches, got %+v %+v", resp.PatternInsights, resp.TrialMatches)
	}
	if resp.EnrollmentForecast == nil || resp.EnrollmentForecast.TimelineAchievable {
		t.Fatalf("expected an unachievable forecast with no patients, got %+v", resp.EnrollmentForecast)
	}
}

func TestRunRejectsMalformedTrialID(t *testing.T) {
	c := newTestCoordinator(testSnapshot(testPatients()), nil, Options{})
	req := testRequest()
	req.TrialID = "not a trial id"
	resp, err := c.Run(context.Background(), req)
	if !IsInputError(err) {
		t.Fatalf("expected an input error, got %v", err)
	}
	if !errors.Is(err, eligibility.ErrInvalidTrialID) {
		t.Fatalf("expected the cause to be kept, got %v", err)
	}
	if resp.Status != "error" || resp.State != string(StateIdle) || resp.FailedStage != StageEligibility {
		t.Fatalf("unexpected outcome status=%s state=%s stage=%s", resp.Status, resp.State, resp.FailedStage)
	}
}

func TestRunReportsInternalErrorWithStage(t *testing.T) {
	patients := testPatients()
	p1 := patients["P1"]
	p1.Embedding = []float64{0, 0, 0}
	patients["P1"] = p1
	c := newTestCoordinator(testSnapshot(patients), nil, Options{})

	resp, err := c.Run(context.Background(), testRequest())
	if !errors.Is(err, matching.ErrDimensionMismatch) || StageNameFromError(err) != StageScoring {
		t.Fatalf("expected a scoring dimension error, got %v", err)
	}
	if resp.Status != "partial" || resp.State != string(StateCandidatesDiscovered) {
		t.Fatalf("unexpected outcome status=%s state=%s", resp.Status, resp.State)
	}
	if len(resp.PatternInsights) != 1 || resp.Metadata["candidates_found"] != 3 {
		t.Fatalf("expected earlier stage output to be kept, got %+v", resp.Metadata)
	}
	if len(resp.TrialMatches) != 0 || resp.EnrollmentForecast != nil {
		t.Fatal("no later stage output may be reported")
	}
}

func TestRunStageTimeout(t *testing.T) {
	c := newTestCoordinator(testSnapshot(testPatients()), blockingSites{}, Options{HeavyStageTimeout: 20 * time.Millisecond})
	resp, err := c.Run(context.Background(), testRequest())
	if !errors.Is(err, ErrStageTimeout) || StageNameFromError(err) != StageSites {
		t.Fatalf("expected a site scoring timeout, got %v", err)
	}
	if resp.Status != "partial" || resp.State != string(StatePatientsValidated) {
		t.Fatalf("unexpected outcome status=%s state=%s", resp.Status, resp.State)
	}
	if len(resp.TrialMatches) != 3 || len(resp.SiteRecommendations) != 0 {
		t.Fatalf("expected matches without sites, got %d and %d", len(resp.TrialMatches), len(resp.SiteRecommendations))
	}
}

func TestRunRecordsStageSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	defer func() { _ = provider.Shutdown(context.Background()) }()

	c := newTestCoordinator(testSnapshot(testPatients()), nil, Options{MaxSites: 5})
	if _, err := c.Run(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := map[string]bool{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	if !names["coordinator.Run"] {
		t.Fatalf("expected a root span, got %v", names)
	}
	for _, stage := range Stages {
		if !names["coordinator."+stage] {
			t.Fatalf("expected a span for %s, got %v", stage, names)
		}
	}
}
