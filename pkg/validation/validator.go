package validation

import (
	"context"
	"sort"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
)

// ReasonMissingRecord is counted when a matched patient has no record to check.
const ReasonMissingRecord = "patient record not found"

// Describer resolves a human-readable reason for an excluded code.
type Describer interface {
	Describe(system terminology.System, code string) string
}

// PatientLookup gives the validator each patient's full code sets.
type PatientLookup interface {
	Patient(id string) (models.PatientRecord, bool)
}

// Summary aggregates one validation pass.
type Summary struct {
	Validated    int            `json:"validated"`
	Valid        int            `json:"valid"`
	Invalid      int            `json:"invalid"`
	ReasonCounts map[string]int `json:"exclusion_reasons"`
}

// Validator gates matches on exclusion code identity. It never reads or
// changes match scores.
type Validator struct {
	describer Describer
}

func NewValidator(describer Describer) *Validator {
	return &Validator{describer: describer}
}

// Check validates a single patient's codes against the exclusion set.
func (v *Validator) Check(patient models.PatientRecord, exclusion terminology.CodeSet) models.PatientValidation {
	own := patient.Codes()
	violations := []models.ExclusionViolation{}
	for _, system := range terminology.Systems {
		if len(exclusion[system]) == 0 {
			continue
		}
		excluded := make(map[string]struct{}, len(exclusion[system]))
		for _, code := range exclusion[system] {
			excluded[terminology.NormalizeCode(system, code)] = struct{}{}
		}
		for _, code := range own.Sorted(system) {
			if _, hit := excluded[code]; !hit {
				continue
			}
			violations = append(violations, models.ExclusionViolation{
				System: system,
				Code:   code,
				Reason: v.describer.Describe(system, code),
			})
		}
	}
	result := models.PatientValidation{
		PatientID:           patient.PatientID,
		IsValid:             len(violations) == 0,
		ExclusionViolations: violations,
	}
	if result.IsValid {
		result.ValidationScore = 1
	}
	return result
}

// Validate checks every match, keeping the match order. A match whose patient
// cannot be found is invalid, since its exclusions cannot be ruled out.
func (v *Validator) Validate(ctx context.Context, matches []models.PatientMatch, patients PatientLookup, exclusion terminology.CodeSet) ([]models.PatientValidation, Summary, error) {
	out := make([]models.PatientValidation, 0, len(matches))
	summary := Summary{ReasonCounts: map[string]int{}}
	for i, m := range matches {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, Summary{}, err
			}
		}
		summary.Validated++
		patient, ok := patients.Patient(m.PatientID)
		if !ok {
			summary.Invalid++
			summary.ReasonCounts[ReasonMissingRecord]++
			out = append(out, models.PatientValidation{
				PatientID:           m.PatientID,
				ExclusionViolations: []models.ExclusionViolation{},
			})
			continue
		}
		result := v.Check(patient, exclusion)
		if result.IsValid {
			summary.Valid++
		} else {
			summary.Invalid++
		}
		for _, violation := range result.ExclusionViolations {
			summary.ReasonCounts[violation.Reason]++
		}
		out = append(out, result)
	}
	return out, summary, nil
}

// TopReasons lists exclusion reasons by frequency, then alphabetically.
func (s Summary) TopReasons(limit int) []string {
	reasons := make([]string, 0, len(s.ReasonCounts))
	for reason := range s.ReasonCounts {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool {
		if s.ReasonCounts[reasons[i]] != s.ReasonCounts[reasons[j]] {
			return s.ReasonCounts[reasons[i]] > s.ReasonCounts[reasons[j]]
		}
		return reasons[i] < reasons[j]
	})
	if limit > 0 && len(reasons) > limit {
		reasons = reasons[:limit]
	}
	return reasons
}
