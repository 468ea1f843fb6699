package sites

import (
	"math"
	"sort"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
)

const earthRadiusKM = 6371.0

// HaversineKM is the great-circle distance between two coordinates.
func HaversineKM(a, b models.Location) float64 {
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Assign keeps the maxSites most feasible candidates, gives each patient to
// the nearest kept site and orders the kept sites by priority. Patient volume
// never displaces a more feasible site. Inputs are not modified.
func (s *Scorer) Assign(candidates []models.SiteRecommendation, patients []models.PatientRecord, maxSites int) []models.SiteRecommendation {
	sites := make([]models.SiteRecommendation, len(candidates))
	copy(sites, candidates)
	sort.SliceStable(sites, func(i, j int) bool {
		if sites[i].FeasibilityScore != sites[j].FeasibilityScore {
			return sites[i].FeasibilityScore > sites[j].FeasibilityScore
		}
		return sites[i].SiteID < sites[j].SiteID
	})
	if maxSites > 0 && len(sites) > maxSites {
		sites = sites[:maxSites]
	}

	located := make([]models.PatientRecord, 0, len(patients))
	for _, p := range patients {
		if p.Location.HasCoordinates() {
			located = append(located, p)
		}
	}
	sort.Slice(located, func(i, j int) bool { return located[i].PatientID < located[j].PatientID })

	s.assignNearest(sites, located)
	s.prioritise(sites)
	return sites
}

func (s *Scorer) assignNearest(sites []models.SiteRecommendation, patients []models.PatientRecord) {
	distances := make([]float64, len(sites))
	for i := range sites {
		sites[i].AssignedPatientIDs = []string{}
		sites[i].AverageDistanceKM = 0
	}
	for _, p := range patients {
		nearest := -1
		best := math.Inf(1)
		for i, site := range sites {
			if !site.Location.HasCoordinates() {
				continue
			}
			if d := HaversineKM(p.Location, site.Location); d < best {
				best = d
				nearest = i
			}
		}
		if nearest < 0 {
			continue
		}
		sites[nearest].AssignedPatientIDs = append(sites[nearest].AssignedPatientIDs, p.PatientID)
		distances[nearest] += best
	}
	for i := range sites {
		if n := len(sites[i].AssignedPatientIDs); n > 0 {
			sites[i].AverageDistanceKM = distances[i] / float64(n)
		}
	}
}

// prioritise blends feasibility with the share of patients a site attracts.
func (s *Scorer) prioritise(sites []models.SiteRecommendation) {
	pf := s.bands.PriorityFeasibility
	for i := range sites {
		share := float64(len(sites[i].AssignedPatientIDs)) / float64(s.bands.PatientSaturation)
		if share > 1 {
			share = 1
		}
		sites[i].PriorityScore = pf*sites[i].FeasibilityScore + (1-pf)*share
	}
	sort.SliceStable(sites, func(i, j int) bool {
		if sites[i].PriorityScore != sites[j].PriorityScore {
			return sites[i].PriorityScore > sites[j].PriorityScore
		}
		if sites[i].FeasibilityScore != sites[j].FeasibilityScore {
			return sites[i].FeasibilityScore > sites[j].FeasibilityScore
		}
		return sites[i].SiteID < sites[j].SiteID
	})
}

// Coverage is the fraction of patients assigned to some site.
func Coverage(sites []models.SiteRecommendation, patients int) float64 {
	if patients <= 0 {
		return 0
	}
	assigned := 0
	for _, site := range sites {
		assigned += len(site.AssignedPatientIDs)
	}
	return float64(assigned) / float64(patients)
}
