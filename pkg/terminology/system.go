package terminology

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// System is one of the four controlled vocabularies the matcher understands.
type System string

const (
	ICD10  System = "ICD-10"
	SNOMED System = "SNOMED"
	LOINC  System = "LOINC"
	RxNorm System = "RxNorm"
)

// Systems lists the recognised systems in a fixed order.
var Systems = []System{ICD10, SNOMED, LOINC, RxNorm}

var systemAliases = map[string]System{
	"icd-10":    ICD10,
	"icd10":     ICD10,
	"icd-10-cm": ICD10,
	"icd10cm":   ICD10,
	"snomed":    SNOMED,
	"snomedct":  SNOMED,
	"snomed-ct": SNOMED,
	"sct":       SNOMED,
	"loinc":     LOINC,
	"rxnorm":    RxNorm,
	"rxnorm-cd": RxNorm,
}

var fhirSystemURLs = map[string]System{
	"http://hl7.org/fhir/sid/icd-10":              ICD10,
	"http://hl7.org/fhir/sid/icd-10-cm":           ICD10,
	"http://snomed.info/sct":                      SNOMED,
	"http://loinc.org":                            LOINC,
	"http://www.nlm.nih.gov/research/umls/rxnorm": RxNorm,
}

// ParseSystem resolves a system name, alias or FHIR system URL. Unknown systems
// report false and must be dropped by the caller.
func ParseSystem(raw string) (System, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if sys, ok := fhirSystemURLs[strings.TrimRight(trimmed, "/")]; ok {
		return sys, true
	}
	if strings.Contains(trimmed, "://") {
		for url, sys := range fhirSystemURLs {
			if strings.HasPrefix(trimmed, url) {
				return sys, true
			}
		}
		return "", false
	}
	sys, ok := systemAliases[strings.ToLower(trimmed)]
	return sys, ok
}

// NormalizeCode canonicalises a code for identity comparison within a system.
// Only whitespace and ICD-10 letter case are normalised; nothing is fuzzy.
func NormalizeCode(system System, code string) string {
	code = strings.TrimSpace(code)
	if system == ICD10 {
		return strings.ToUpper(code)
	}
	return code
}

// Code is a single coded clinical fact.
type Code struct {
	System  System `json:"system" yaml:"system"`
	Code    string `json:"code" yaml:"code"`
	Display string `json:"display,omitempty" yaml:"display,omitempty"`
}

func (c *Code) UnmarshalJSON(data []byte) error {
	var raw struct {
		System  string `json:"system"`
		Code    string `json:"code"`
		Display string `json:"display"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	sys, ok := ParseSystem(raw.System)
	if !ok {
		// Kept empty so callers can drop it; never guessed.
		*c = Code{Code: raw.Code, Display: raw.Display}
		return nil
	}
	*c = Code{System: sys, Code: NormalizeCode(sys, raw.Code), Display: raw.Display}
	return nil
}

// Known reports whether the code belongs to a recognised system.
func (c Code) Known() bool {
	return c.System != "" && c.Code != ""
}

// FilterKnown drops codes whose system was not recognised.
func FilterKnown(codes []Code) []Code {
	out := make([]Code, 0, len(codes))
	for _, c := range codes {
		if c.Known() {
			out = append(out, c)
		}
	}
	return out
}

// CodeSet groups codes by system, e.g. a trial's inclusion or exclusion codes.
type CodeSet map[System][]string

// NewCodeSet builds a normalised, de-duplicated set from raw system keys.
func NewCodeSet(raw map[string][]string) CodeSet {
	set := CodeSet{}
	for key, codes := range raw {
		sys, ok := ParseSystem(key)
		if !ok {
			continue
		}
		for _, code := range codes {
			set.Add(sys, code)
		}
	}
	return set
}

func (s CodeSet) Add(system System, code string) {
	code = NormalizeCode(system, code)
	if code == "" {
		return
	}
	for _, existing := range s[system] {
		if existing == code {
			return
		}
	}
	s[system] = append(s[system], code)
}

func (s CodeSet) Contains(system System, code string) bool {
	code = NormalizeCode(system, code)
	for _, existing := range s[system] {
		if existing == code {
			return true
		}
	}
	return false
}

// Len counts codes across all systems.
func (s CodeSet) Len() int {
	total := 0
	for _, codes := range s {
		total += len(codes)
	}
	return total
}

// Lookup returns the codes of one system as a set.
func (s CodeSet) Lookup(system System) map[string]struct{} {
	out := make(map[string]struct{}, len(s[system]))
	for _, code := range s[system] {
		out[code] = struct{}{}
	}
	return out
}

// Sorted returns the codes of a system in lexical order.
func (s CodeSet) Sorted(system System) []string {
	out := append([]string(nil), s[system]...)
	sort.Strings(out)
	return out
}

func (s *CodeSet) UnmarshalJSON(data []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("code set: %w", err)
	}
	*s = NewCodeSet(raw)
	return nil
}

func (s *CodeSet) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw map[string][]string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*s = NewCodeSet(raw)
	return nil
}

// FromCodes groups individual codes into a CodeSet, skipping unknown systems.
func FromCodes(groups ...[]Code) CodeSet {
	set := CodeSet{}
	for _, codes := range groups {
		for _, c := range codes {
			if c.Known() {
				set.Add(c.System, c.Code)
			}
		}
	}
	return set
}
