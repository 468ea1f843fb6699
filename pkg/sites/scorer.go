package sites

import (
	"context"
	"sort"
	"sync"

	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
)

// ChapterMapper maps an ICD-10 code to its chapter block.
type ChapterMapper interface {
	ChapterOf(icd10 string) string
}

// Scorer ranks sites for a trial on capability, experience, population and
// capacity.
type Scorer struct {
	bands    Bands
	chapters ChapterMapper
	workers  int
}

func NewScorer(bands Bands, chapters ChapterMapper, workers int) *Scorer {
	if workers <= 0 {
		workers = 4
	}
	return &Scorer{bands: bands, chapters: chapters, workers: workers}
}

// trialNeeds is what site scoring reads from the criteria, computed once per request.
type trialNeeds struct {
	loinc    []string
	icd10    []string
	chapters []string
	target   int
}

func (s *Scorer) needs(criteria models.TrialCriteria) trialNeeds {
	loinc := terminology.CodeSet{}
	for _, code := range criteria.InclusionCodes[terminology.LOINC] {
		loinc.Add(terminology.LOINC, code)
	}
	for code := range criteria.LabRequirements {
		loinc.Add(terminology.LOINC, code)
	}
	n := trialNeeds{
		loinc:  loinc.Sorted(terminology.LOINC),
		target: criteria.TargetEnrollment,
	}
	seen := map[string]bool{}
	for _, code := range criteria.InclusionCodes.Sorted(terminology.ICD10) {
		code = terminology.NormalizeCode(terminology.ICD10, code)
		n.icd10 = append(n.icd10, code)
		if chapter := s.chapters.ChapterOf(code); chapter != "" && !seen[chapter] {
			seen[chapter] = true
			n.chapters = append(n.chapters, chapter)
		}
	}
	return n
}

// Rank scores every profile and keeps the best topN (all when topN <= 0).
// Sites are scored in parallel; the order is by feasibility, then site id.
func (s *Scorer) Rank(ctx context.Context, criteria models.TrialCriteria, profiles []models.SiteProfile, topN int) ([]models.SiteRecommendation, error) {
	needs := s.needs(criteria)
	results := make([]models.SiteRecommendation, len(profiles))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < s.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = s.score(profiles[i], needs)
			}
		}()
	}
	var err error
feed:
	for i := range profiles {
		select {
		case jobs <- i:
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].FeasibilityScore != results[j].FeasibilityScore {
			return results[i].FeasibilityScore > results[j].FeasibilityScore
		}
		return results[i].SiteID < results[j].SiteID
	})
	if topN > 0 && len(results) > topN {
		results = results[:topN]
	}
	logger.Log.WithFields(map[string]interface{}{
		"trial_id": criteria.TrialID,
		"sites":    len(profiles),
		"retained": len(results),
	}).Debug("Sites ranked")
	return results, nil
}

// score computes one site's sub-scores. Missing reference data lowers the
// score; it never fails.
func (s *Scorer) score(site models.SiteProfile, needs trialNeeds) models.SiteRecommendation {
	rec := models.SiteRecommendation{
		SiteID:             site.SiteID,
		Name:               site.Name,
		Location:           site.Location,
		AssignedPatientIDs: []string{},
		CapabilityScore:    s.capability(site, needs),
		ExperienceScore:    s.experience(site, needs),
		PopulationScore:    s.population(site, needs),
		CapacityScore:      s.capacity(site),
	}
	w := s.bands.Weights
	rec.FeasibilityScore = w.Capability*rec.CapabilityScore +
		w.Experience*rec.ExperienceScore +
		w.Population*rec.PopulationScore +
		w.Capacity*rec.CapacityScore
	return rec
}

func (s *Scorer) capability(site models.SiteProfile, needs trialNeeds) float64 {
	if len(needs.loinc) == 0 {
		return 1
	}
	available := make(map[string]struct{}, len(site.LOINCCapabilities))
	for _, code := range site.LOINCCapabilities {
		available[code] = struct{}{}
	}
	covered := 0
	for _, code := range needs.loinc {
		if _, ok := available[code]; ok {
			covered++
		}
	}
	return s.bands.Capability.At(float64(covered) / float64(len(needs.loinc)))
}

// experience saturates at ExperienceSaturation trials across the trial's
// chapters and is scaled by the trial-weighted success rate of those chapters.
func (s *Scorer) experience(site models.SiteProfile, needs trialNeeds) float64 {
	if len(needs.icd10) == 0 {
		return s.bands.NeutralScore
	}
	trials := 0
	var weighted float64
	for _, chapter := range needs.chapters {
		exp, ok := site.ICD10ChapterExperience[chapter]
		if !ok || exp.TrialCount <= 0 {
			continue
		}
		trials += exp.TrialCount
		weighted += float64(exp.TrialCount) * exp.SuccessRate
	}
	if trials == 0 {
		return 0
	}
	volume := float64(trials) / float64(s.bands.ExperienceSaturation)
	if volume > 1 {
		volume = 1
	}
	return volume * (weighted / float64(trials))
}

// population takes the best-covered inclusion code rather than the sum over codes.
func (s *Scorer) population(site models.SiteProfile, needs trialNeeds) float64 {
	if len(needs.icd10) == 0 {
		return s.bands.NeutralScore
	}
	best := 0
	for _, code := range needs.icd10 {
		if count := site.EHRPopulationByCode[code]; count > best {
			best = count
		}
	}
	if best == 0 || needs.target <= 0 {
		return 0
	}
	return s.bands.Population.At(float64(best) / float64(needs.target))
}

func (s *Scorer) capacity(site models.SiteProfile) float64 {
	if site.Capacity.MaxConcurrentTrials <= 0 {
		return 0
	}
	utilisation := float64(site.Capacity.CurrentTrials) / float64(site.Capacity.MaxConcurrentTrials)
	return s.bands.Capacity.At(utilisation)
}
