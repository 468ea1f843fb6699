package eligibility

import (
	"context"
	"errors"
	"testing"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
)

type memoryTrials map[string]Trial

func (m memoryTrials) Get(_ context.Context, trialID string) (Trial, error) {
	trial, ok := m[trialID]
	if !ok {
		return Trial{}, ErrTrialNotFound
	}
	return trial, nil
}

type failingExtractor struct{ err error }

func (f failingExtractor) Extract(context.Context, models.TrialText) (models.TrialCriteria, error) {
	return models.TrialCriteria{}, f.err
}

func TestResolveRejectsMalformedTrialID(t *testing.T) {
	resolver := NewResolver(memoryTrials{}, nil, 100)
	for _, id := range []string{"", " NCT01", "NCT/01", "-leading"} {
		_, err := resolver.Resolve(context.Background(), models.MatchRequest{TrialID: id})
		if !errors.Is(err, ErrInvalidTrialID) || !IsValidationError(err) {
			t.Fatalf("expected invalid trial id error for %q, got %v", id, err)
		}
	}
}

func TestResolveUnknownTrialIsInputError(t *testing.T) {
	resolver := NewResolver(memoryTrials{}, nil, 100)
	_, err := resolver.Resolve(context.Background(), models.MatchRequest{TrialID: "NCT404"})
	if !errors.Is(err, ErrTrialNotFound) || !IsValidationError(err) {
		t.Fatalf("expected trial not found input error, got %v", err)
	}
}

func TestResolveInlineCriteriaDefaults(t *testing.T) {
	resolver := NewResolver(nil, nil, 250)
	inline := &models.TrialCriteria{
		InclusionCodes:   terminology.CodeSet{terminology.ICD10: {"E11.9"}},
		GenderConstraint: "All",
	}
	criteria, err := resolver.Resolve(context.Background(), models.MatchRequest{TrialID: "NCT01", Criteria: inline})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if criteria.TrialID != "NCT01" || criteria.TargetEnrollment != 250 {
		t.Fatalf("unexpected criteria %+v", criteria)
	}
	if criteria.AgeRange.Max != MaxAge || criteria.GenderConstraint != "" {
		t.Fatalf("expected open demographics, got %+v", criteria)
	}
	if criteria.ExclusionCodes == nil {
		t.Fatal("expected non-nil exclusion set")
	}
}

func TestResolveMissingInclusionCodes(t *testing.T) {
	resolver := NewResolver(nil, nil, 100)
	_, err := resolver.Resolve(context.Background(), models.MatchRequest{
		TrialID:  "NCT01",
		Criteria: &models.TrialCriteria{ExclusionCodes: terminology.CodeSet{terminology.ICD10: {"E11.21"}}},
	})
	if !errors.Is(err, ErrMissingCriteria) || !IsValidationError(err) {
		t.Fatalf("expected missing criteria, got %v", err)
	}
}

func TestResolveExtractsFromStoredText(t *testing.T) {
	trials := memoryTrials{"NCT02": {Text: models.TrialText{
		TrialID:           "NCT02",
		InclusionCriteria: []string{"Adults with type 2 diabetes"},
		ExclusionCriteria: []string{"Diabetic nephropathy"},
		TargetEnrollment:  40,
	}}}
	resolver := NewResolver(trials, NewMapper(terminology.DefaultCatalog()), 100)
	criteria, err := resolver.Resolve(context.Background(), models.MatchRequest{TrialID: "NCT02"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !criteria.InclusionCodes.Contains(terminology.ICD10, "E11.9") || !criteria.ExclusionCodes.Contains(terminology.ICD10, "E11.21") {
		t.Fatalf("unexpected codes %+v", criteria)
	}
	if criteria.TargetEnrollment != 40 || criteria.AgeRange != (models.AgeRange{Min: 18, Max: 65}) {
		t.Fatalf("unexpected criteria %+v", criteria)
	}

	override, err := resolver.Resolve(context.Background(), models.MatchRequest{TrialID: "NCT02", TargetEnrollment: 75})
	if err != nil || override.TargetEnrollment != 75 {
		t.Fatalf("expected request target to win, got %d (%v)", override.TargetEnrollment, err)
	}
}

func TestResolveExtractorFailureIsInternal(t *testing.T) {
	trials := memoryTrials{"NCT03": {Text: models.TrialText{TrialID: "NCT03", InclusionCriteria: []string{"Hypertension"}}}}
	boom := errors.New("extractor down")
	resolver := NewResolver(trials, failingExtractor{err: boom}, 100)
	_, err := resolver.Resolve(context.Background(), models.MatchRequest{TrialID: "NCT03"})
	if !errors.Is(err, boom) || IsValidationError(err) {
		t.Fatalf("expected wrapped internal error, got %v", err)
	}
}

func TestResolveStoredTrialWithoutText(t *testing.T) {
	trials := memoryTrials{"NCT04": {Text: models.TrialText{TrialID: "NCT04"}}}
	resolver := NewResolver(trials, NewMapper(terminology.DefaultCatalog()), 100)
	_, err := resolver.Resolve(context.Background(), models.MatchRequest{TrialID: "NCT04"})
	if !errors.Is(err, ErrMissingCriteria) {
		t.Fatalf("expected missing criteria, got %v", err)
	}
}

func TestFallbackExtractorUsesSecondary(t *testing.T) {
	extractor := FallbackExtractor{
		Primary:   failingExtractor{err: errors.New("unreachable")},
		Secondary: NewMapper(terminology.DefaultCatalog()),
	}
	criteria, err := extractor.Extract(context.Background(), models.TrialText{TrialID: "NCT05", InclusionCriteria: []string{"hypertension"}})
	if err != nil || !criteria.InclusionCodes.Contains(terminology.ICD10, "I10") {
		t.Fatalf("expected local mapping, got %+v (%v)", criteria, err)
	}
}
