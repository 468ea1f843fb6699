package eligibility

import (
	"context"
	"testing"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
)

func TestMapperExtractsCodedCriteria(t *testing.T) {
	mapper := NewMapper(terminology.DefaultCatalog())
	criteria, err := mapper.Extract(context.Background(), models.TrialText{
		TrialID: "NCT01",
		InclusionCriteria: []string{
			"Patients with Type 2 diabetes mellitus",
			"Age 18-65 years",
			"HbA1c between 7-10%",
			"No history of diabetic nephropathy",
			"On metformin therapy",
		},
		TargetEnrollment: 120,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []struct {
		system terminology.System
		code   string
	}{
		{terminology.ICD10, "E11.9"},
		{terminology.SNOMED, "44054006"},
		{terminology.LOINC, "4548-4"},
		{terminology.RxNorm, "6809"},
	} {
		if !criteria.InclusionCodes.Contains(want.system, want.code) {
			t.Fatalf("expected inclusion %s %s, got %v", want.system, want.code, criteria.InclusionCodes)
		}
	}
	if criteria.InclusionCodes.Contains(terminology.ICD10, "E11.21") {
		t.Fatal("negated condition must not become an inclusion code")
	}
	if !criteria.ExclusionCodes.Contains(terminology.ICD10, "E11.21") || !criteria.ExclusionCodes.Contains(terminology.SNOMED, "127013003") {
		t.Fatalf("expected nephropathy exclusion codes, got %v", criteria.ExclusionCodes)
	}
	if criteria.AgeRange != (models.AgeRange{Min: 18, Max: 65}) {
		t.Fatalf("unexpected age range %+v", criteria.AgeRange)
	}
	bound, ok := criteria.LabRequirements["4548-4"]
	if !ok || bound.Min == nil || bound.Max == nil || *bound.Min != 7 || *bound.Max != 10 {
		t.Fatalf("unexpected HbA1c bound %+v", criteria.LabRequirements)
	}
	if criteria.TargetEnrollment != 120 || criteria.TrialID != "NCT01" {
		t.Fatalf("unexpected trial fields %+v", criteria)
	}
}

func TestMapperExclusionLinesAndDefaults(t *testing.T) {
	mapper := NewMapper(terminology.DefaultCatalog())
	criteria, err := mapper.Extract(context.Background(), models.TrialText{
		TrialID:           "NCT02",
		InclusionCriteria: []string{"Diagnosed hypertension", "Female patients only"},
		ExclusionCriteria: []string{"Heart failure", "End-stage renal disease requiring dialysis"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !criteria.InclusionCodes.Contains(terminology.ICD10, "I10") {
		t.Fatalf("expected hypertension inclusion, got %v", criteria.InclusionCodes)
	}
	if !criteria.ExclusionCodes.Contains(terminology.ICD10, "I50.9") || !criteria.ExclusionCodes.Contains(terminology.ICD10, "N18.6") {
		t.Fatalf("expected exclusion codes, got %v", criteria.ExclusionCodes)
	}
	if criteria.AgeRange != (models.AgeRange{Min: 0, Max: MaxAge}) {
		t.Fatalf("expected open age range, got %+v", criteria.AgeRange)
	}
	if criteria.GenderConstraint != "female" {
		t.Fatalf("expected female constraint, got %q", criteria.GenderConstraint)
	}
	if criteria.LabRequirements != nil {
		t.Fatalf("expected no lab requirements, got %v", criteria.LabRequirements)
	}
}

func TestMapperPrefersLongestMention(t *testing.T) {
	mapper := NewMapper(terminology.DefaultCatalog())
	concepts := mapper.findConcepts("fasting plasma glucose below 7")
	if len(concepts) != 1 || concepts[0].LOINC[0] != "1558-6" {
		t.Fatalf("expected only fasting glucose, got %+v", concepts)
	}
}

func TestParseAgeForms(t *testing.T) {
	mapper := NewMapper(terminology.DefaultCatalog())
	cases := map[string]models.AgeRange{
		"aged 40 to 75":            {Min: 40, Max: 75},
		"patients over 18 years":   {Min: 18, Max: MaxAge},
		"under 65 years of age":    {Min: 0, Max: 65},
		"elderly outpatients":      {Min: 65, Max: 120},
		"at least 21 years old":    {Min: 21, Max: MaxAge},
		"adults with hypertension": {Min: 18, Max: 65},
	}
	for line, want := range cases {
		got, ok := mapper.parseAge(line)
		if !ok || got != want {
			t.Fatalf("parseAge(%q) = %+v, %v; want %+v", line, got, ok, want)
		}
	}
	if _, ok := mapper.parseAge("hba1c over 7 percent"); ok {
		t.Fatal("lab thresholds must not be read as ages")
	}
}
