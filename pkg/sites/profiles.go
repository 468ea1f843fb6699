package sites

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
	"gopkg.in/yaml.v3"
)

var ErrInvalidProfile = errors.New("invalid site profile")

type profileFile struct {
	Sites []models.SiteProfile `yaml:"sites"`
}

// LoadProfiles reads site reference data. The result is treated as read-only
// for the life of the process.
func LoadProfiles(path string) ([]models.SiteProfile, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return ParseProfiles(content)
}

func ParseProfiles(content []byte) ([]models.SiteProfile, error) {
	var file profileFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse site profiles: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Sites))
	out := make([]models.SiteProfile, 0, len(file.Sites))
	for _, site := range file.Sites {
		site.SiteID = strings.TrimSpace(site.SiteID)
		if site.SiteID == "" {
			return nil, fmt.Errorf("%w: missing site_id", ErrInvalidProfile)
		}
		if _, dup := seen[site.SiteID]; dup {
			return nil, fmt.Errorf("%w: duplicate site_id %s", ErrInvalidProfile, site.SiteID)
		}
		seen[site.SiteID] = struct{}{}
		if site.Capacity.MaxConcurrentTrials < 0 || site.Capacity.CurrentTrials < 0 {
			return nil, fmt.Errorf("%w: %s has negative capacity", ErrInvalidProfile, site.SiteID)
		}
		for chapter, exp := range site.ICD10ChapterExperience {
			if exp.TrialCount < 0 || exp.SuccessRate < 0 || exp.SuccessRate > 1 {
				return nil, fmt.Errorf("%w: %s chapter %s experience out of range", ErrInvalidProfile, site.SiteID, chapter)
			}
		}
		out = append(out, normaliseProfile(site))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out, nil
}

func normaliseProfile(site models.SiteProfile) models.SiteProfile {
	caps := make([]string, 0, len(site.LOINCCapabilities))
	for _, code := range site.LOINCCapabilities {
		if code = terminology.NormalizeCode(terminology.LOINC, code); code != "" {
			caps = append(caps, code)
		}
	}
	site.LOINCCapabilities = caps
	if len(site.EHRPopulationByCode) > 0 {
		population := make(map[string]int, len(site.EHRPopulationByCode))
		for code, count := range site.EHRPopulationByCode {
			population[terminology.NormalizeCode(terminology.ICD10, code)] += count
		}
		site.EHRPopulationByCode = population
	}
	return site
}
