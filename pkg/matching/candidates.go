package matching

import (
	"context"
	"strings"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
)

// Population is the read-only view of a discovery snapshot the stages need.
type Population interface {
	Cluster(id string) (models.PatternCluster, bool)
	Patient(id string) (models.PatientRecord, bool)
}

// CandidateFinder draws demographically eligible members from the ranked patterns.
type CandidateFinder struct {
	MaxCandidates int
}

func NewCandidateFinder(maxCandidates int) *CandidateFinder {
	return &CandidateFinder{MaxCandidates: maxCandidates}
}

// Find walks patterns in rank order. Exclusion codes are not consulted here.
func (f *CandidateFinder) Find(ctx context.Context, ranked []models.RankedPattern, criteria models.TrialCriteria, pop Population) ([]models.PatientRecord, error) {
	var out []models.PatientRecord
	seen := map[string]struct{}{}
	for _, rp := range ranked {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		cluster, ok := pop.Cluster(rp.PatternID)
		if !ok {
			continue
		}
		for _, id := range cluster.MemberPatientIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			patient, ok := pop.Patient(id)
			if !ok || !Eligible(patient, criteria) {
				continue
			}
			seen[id] = struct{}{}
			if patient.PatternID == "" {
				patient.PatternID = cluster.ID
			}
			out = append(out, patient)
			if f.MaxCandidates > 0 && len(out) >= f.MaxCandidates {
				return out, nil
			}
		}
	}
	return out, nil
}

// Eligible applies the hard demographic filters.
func Eligible(p models.PatientRecord, criteria models.TrialCriteria) bool {
	if !criteria.AgeRange.Contains(p.Age) {
		return false
	}
	if criteria.GenderConstraint != "" && !strings.EqualFold(strings.TrimSpace(p.Gender), criteria.GenderConstraint) {
		return false
	}
	return true
}
