package eligibility

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
)

// MaxAge bounds open-ended age criteria such as "over 18".
const MaxAge = 120

const number = `(\d+(?:\.\d+)?)`

var (
	ageWordPattern  = regexp.MustCompile(`\b(?:age[ds]?|years?|yrs?)\b`)
	ageRangePattern = regexp.MustCompile(`(\d{1,3})\s*(?:-|–|to)\s*(\d{1,3})\s*(?:years?|yrs?|y\.?o\.?)`)
	agedPattern     = regexp.MustCompile(`age[ds]?\s*(?:between\s*)?(\d{1,3})\s*(?:-|–|to|and)\s*(\d{1,3})`)
	ageMinPattern   = regexp.MustCompile(`(?:over|above|>=|≥|older than|at least)\s*(\d{1,3})`)
	ageMaxPattern   = regexp.MustCompile(`(?:under|below|<=|<|≤|younger than)\s*(\d{1,3})`)

	labRangePattern = regexp.MustCompile(number + `\s*%?\s*(?:-|–|to|and)\s*` + number)
	labMinPattern   = regexp.MustCompile(`(?:>=|≥|>|above|over|at least|greater than)\s*` + number)
	labMaxPattern   = regexp.MustCompile(`(?:<=|≤|<|below|under|at most|less than)\s*` + number)
)

// Mapper is a local, dictionary-driven Extractor.
type Mapper struct {
	catalog terminology.Catalog
	terms   []conceptTerm
}

type conceptTerm struct {
	key     string
	term    string
	concept terminology.Concept
}

func NewMapper(catalog terminology.Catalog) *Mapper {
	keys := make([]string, 0, len(catalog.Concepts))
	for key := range catalog.Concepts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var terms []conceptTerm
	for _, key := range keys {
		concept := catalog.Concepts[key]
		terms = append(terms, conceptTerm{key: key, term: strings.ToLower(key), concept: concept})
		for _, variant := range concept.Variants {
			terms = append(terms, conceptTerm{key: key, term: strings.ToLower(variant), concept: concept})
		}
	}
	return &Mapper{catalog: catalog, terms: terms}
}

type match struct {
	start, end int
	term       conceptTerm
}

// findConcepts returns the concepts mentioned in a line, longest mention first,
// dropping mentions that overlap a longer one.
func (m *Mapper) findConcepts(line string) []terminology.Concept {
	var candidates []match
	for _, t := range m.terms {
		if t.term == "" {
			continue
		}
		offset := 0
		for {
			idx := strings.Index(line[offset:], t.term)
			if idx < 0 {
				break
			}
			start := offset + idx
			end := start + len(t.term)
			if wordBoundary(line, start, end) {
				candidates = append(candidates, match{start: start, end: end, term: t})
			}
			offset = start + 1
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := candidates[i].end-candidates[i].start, candidates[j].end-candidates[j].start
		if li != lj {
			return li > lj
		}
		return candidates[i].start < candidates[j].start
	})

	var kept []match
	seen := map[string]bool{}
	for _, c := range candidates {
		overlaps := false
		for _, k := range kept {
			if c.start < k.end && k.start < c.end {
				overlaps = true
				break
			}
		}
		if overlaps || seen[c.term.key] {
			continue
		}
		kept = append(kept, c)
		seen[c.term.key] = true
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })
	out := make([]terminology.Concept, len(kept))
	for i, k := range kept {
		out[i] = k.term.concept
	}
	return out
}

func wordBoundary(line string, start, end int) bool {
	isWord := func(b byte) bool {
		return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
	}
	if start > 0 && isWord(line[start-1]) {
		return false
	}
	if end < len(line) && isWord(line[end]) {
		return false
	}
	return true
}

// containsWord reports whether term occurs in line on word boundaries.
func containsWord(line, term string) bool {
	if term == "" {
		return false
	}
	for offset := 0; offset < len(line); {
		idx := strings.Index(line[offset:], term)
		if idx < 0 {
			return false
		}
		start := offset + idx
		if wordBoundary(line, start, start+len(term)) {
			return true
		}
		offset = start + 1
	}
	return false
}

func (m *Mapper) isExclusionLine(line string) bool {
	for _, marker := range m.catalog.ExclusionMarkers {
		if containsWord(line, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (m *Mapper) Extract(_ context.Context, trial models.TrialText) (models.TrialCriteria, error) {
	criteria := models.TrialCriteria{
		TrialID:          trial.TrialID,
		InclusionCodes:   terminology.CodeSet{},
		ExclusionCodes:   terminology.CodeSet{},
		TargetEnrollment: trial.TargetEnrollment,
		LabRequirements:  map[string]models.LabBound{},
	}

	type line struct {
		text      string
		exclusion bool
	}
	var lines []line
	for _, l := range trial.InclusionCriteria {
		lower := strings.ToLower(strings.TrimSpace(l))
		lines = append(lines, line{text: lower, exclusion: m.isExclusionLine(lower)})
	}
	for _, l := range trial.ExclusionCriteria {
		lines = append(lines, line{text: strings.ToLower(strings.TrimSpace(l)), exclusion: true})
	}

	ageFound := false
	for _, l := range lines {
		if l.text == "" {
			continue
		}
		target := criteria.InclusionCodes
		if l.exclusion {
			target = criteria.ExclusionCodes
		}
		for _, concept := range m.findConcepts(l.text) {
			for _, code := range concept.Codes() {
				target.Add(code.System, code.Code)
			}
			if !l.exclusion && len(concept.LOINC) > 0 && !mentionsAge(l.text) {
				if bound, ok := parseLabBound(l.text); ok {
					for _, loinc := range concept.LOINC {
						criteria.LabRequirements[terminology.NormalizeCode(terminology.LOINC, loinc)] = bound
					}
				}
			}
		}
		if !l.exclusion && !ageFound {
			if r, ok := m.parseAge(l.text); ok {
				criteria.AgeRange = r
				ageFound = true
			}
		}
		if !l.exclusion && criteria.GenderConstraint == "" {
			criteria.GenderConstraint = m.parseGender(l.text)
		}
	}
	if !ageFound {
		criteria.AgeRange = models.AgeRange{Min: 0, Max: MaxAge}
	}
	if len(criteria.LabRequirements) == 0 {
		criteria.LabRequirements = nil
	}
	return criteria, nil
}

func mentionsAge(line string) bool {
	return ageWordPattern.MatchString(line)
}

func (m *Mapper) parseAge(line string) (models.AgeRange, bool) {
	if mentionsAge(line) {
		for _, pattern := range []*regexp.Regexp{ageRangePattern, agedPattern} {
			if match := pattern.FindStringSubmatch(line); match != nil {
				lo, _ := strconv.Atoi(match[1])
				hi, _ := strconv.Atoi(match[2])
				if lo <= hi {
					return models.AgeRange{Min: lo, Max: hi}, true
				}
			}
		}
		r := models.AgeRange{Min: 0, Max: MaxAge}
		found := false
		if match := ageMinPattern.FindStringSubmatch(line); match != nil {
			r.Min, _ = strconv.Atoi(match[1])
			found = true
		}
		if match := ageMaxPattern.FindStringSubmatch(line); match != nil {
			r.Max, _ = strconv.Atoi(match[1])
			found = true
		}
		if found && r.Min <= r.Max {
			return r, true
		}
	}
	terms := make([]string, 0, len(m.catalog.AgeTerms))
	for term := range m.catalog.AgeTerms {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	for _, term := range terms {
		if containsWord(line, term) {
			r := m.catalog.AgeTerms[term]
			return models.AgeRange{Min: r.Min, Max: r.Max}, true
		}
	}
	return models.AgeRange{}, false
}

func (m *Mapper) parseGender(line string) string {
	for _, gender := range []string{"male", "female", "all"} {
		for _, term := range m.catalog.GenderTerms[gender] {
			if containsWord(line, strings.ToLower(term)) {
				if gender == "all" {
					return ""
				}
				return gender
			}
		}
	}
	return ""
}

func parseLabBound(line string) (models.LabBound, bool) {
	if match := labRangePattern.FindStringSubmatch(line); match != nil {
		lo, err1 := strconv.ParseFloat(match[1], 64)
		hi, err2 := strconv.ParseFloat(match[2], 64)
		if err1 == nil && err2 == nil && lo <= hi {
			return models.LabBound{Min: &lo, Max: &hi}, true
		}
	}
	var bound models.LabBound
	found := false
	if match := labMinPattern.FindStringSubmatch(line); match != nil {
		if v, err := strconv.ParseFloat(match[1], 64); err == nil {
			bound.Min = &v
			found = true
		}
	}
	if match := labMaxPattern.FindStringSubmatch(line); match != nil {
		if v, err := strconv.ParseFloat(match[1], 64); err == nil {
			bound.Max = &v
			found = true
		}
	}
	return bound, found
}
