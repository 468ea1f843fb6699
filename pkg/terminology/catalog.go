package terminology

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Concept is a vocabulary entry used to map criteria text to codes.
type Concept struct {
	Display  string   `yaml:"display" json:"display"`
	Variants []string `yaml:"variants" json:"variants,omitempty"`
	ICD10    []string `yaml:"icd10" json:"icd10,omitempty"`
	SNOMED   []string `yaml:"snomed" json:"snomed,omitempty"`
	LOINC    []string `yaml:"loinc" json:"loinc,omitempty"`
	RxNorm   []string `yaml:"rxnorm" json:"rxnorm,omitempty"`
}

// Codes flattens the concept into coded entries.
func (c Concept) Codes() []Code {
	var out []Code
	add := func(sys System, codes []string) {
		for _, code := range codes {
			out = append(out, Code{System: sys, Code: NormalizeCode(sys, code), Display: c.Display})
		}
	}
	add(ICD10, c.ICD10)
	add(SNOMED, c.SNOMED)
	add(LOINC, c.LOINC)
	add(RxNorm, c.RxNorm)
	return out
}

// Chapter is an ICD-10 block such as E10-E14.
type Chapter struct {
	Name   string `yaml:"name" json:"name"`
	Letter string `yaml:"letter" json:"letter"`
	From   int    `yaml:"from" json:"from"`
	To     int    `yaml:"to" json:"to"`
}

type AgeRange struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

type Catalog struct {
	Concepts         map[string]Concept           `yaml:"concepts" json:"concepts"`
	Descriptions     map[System]map[string]string `yaml:"descriptions" json:"descriptions"`
	Chapters         []Chapter                    `yaml:"chapters" json:"chapters"`
	ExclusionMarkers []string                     `yaml:"exclusion_markers" json:"exclusion_markers"`
	AgeTerms         map[string]AgeRange          `yaml:"age_terms" json:"age_terms"`
	GenderTerms      map[string][]string          `yaml:"gender_terms" json:"gender_terms"`
}

type catalogFile struct {
	Concepts         map[string]Concept           `yaml:"concepts"`
	Descriptions     map[string]map[string]string `yaml:"descriptions"`
	Chapters         []Chapter                    `yaml:"chapters"`
	ExclusionMarkers []string                     `yaml:"exclusion_markers"`
	AgeTerms         map[string]AgeRange          `yaml:"age_terms"`
	GenderTerms      map[string][]string          `yaml:"gender_terms"`
}

// Load reads a YAML catalog. An empty path yields the built-in catalog; sections
// absent from the file fall back to the built-in defaults.
func Load(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var file catalogFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return Catalog{}, err
	}

	cat := DefaultCatalog()
	if len(file.Concepts) > 0 {
		cat.Concepts = make(map[string]Concept, len(file.Concepts))
		for name, concept := range file.Concepts {
			cat.Concepts[strings.ToLower(name)] = concept
		}
	}
	if len(file.Descriptions) > 0 {
		cat.Descriptions = make(map[System]map[string]string)
		for rawSys, entries := range file.Descriptions {
			sys, ok := ParseSystem(rawSys)
			if !ok {
				return Catalog{}, fmt.Errorf("terminology catalog: unknown system %q", rawSys)
			}
			for code, desc := range entries {
				cat.setDescription(sys, code, desc)
			}
		}
	}
	if len(file.Chapters) > 0 {
		cat.Chapters = file.Chapters
	}
	if len(file.ExclusionMarkers) > 0 {
		cat.ExclusionMarkers = file.ExclusionMarkers
	}
	if len(file.AgeTerms) > 0 {
		cat.AgeTerms = file.AgeTerms
	}
	if len(file.GenderTerms) > 0 {
		cat.GenderTerms = file.GenderTerms
	}
	if len(cat.Concepts) == 0 {
		return Catalog{}, fmt.Errorf("terminology catalog empty")
	}
	return cat, nil
}

func (c *Catalog) setDescription(sys System, code, desc string) {
	if c.Descriptions == nil {
		c.Descriptions = make(map[System]map[string]string)
	}
	if c.Descriptions[sys] == nil {
		c.Descriptions[sys] = make(map[string]string)
	}
	c.Descriptions[sys][NormalizeCode(sys, code)] = desc
}

func (c Catalog) Lookup(key string) (Concept, bool) {
	if c.Concepts == nil {
		return Concept{}, false
	}
	concept, ok := c.Concepts[strings.ToLower(key)]
	return concept, ok
}

// Describe returns the human-readable reason registered for an excluded code.
func (c Catalog) Describe(system System, code string) string {
	code = NormalizeCode(system, code)
	if desc, ok := c.Descriptions[system][code]; ok && desc != "" {
		return desc
	}
	return fmt.Sprintf("excluded %s code %s", system, code)
}

// ChapterOf maps an ICD-10 code to its configured chapter block, or "" when the
// code is malformed or falls outside every block.
func (c Catalog) ChapterOf(icd10 string) string {
	code := NormalizeCode(ICD10, icd10)
	if len(code) < 2 || !unicode.IsLetter(rune(code[0])) {
		return ""
	}
	letter := code[:1]
	digits := ""
	for _, r := range code[1:] {
		if !unicode.IsDigit(r) {
			break
		}
		digits += string(r)
	}
	if digits == "" {
		return ""
	}
	number, err := strconv.Atoi(digits)
	if err != nil {
		return ""
	}
	for _, ch := range c.Chapters {
		if strings.EqualFold(ch.Letter, letter) && number >= ch.From && number <= ch.To {
			return ch.Name
		}
	}
	return ""
}

func DefaultCatalog() Catalog {
	cat := Catalog{
		Concepts: map[string]Concept{
			"type 2 diabetes": {
				Display:  "Type 2 diabetes mellitus",
				Variants: []string{"t2dm", "type ii diabetes", "diabetes mellitus type 2"},
				ICD10:    []string{"E11.9"},
				SNOMED:   []string{"44054006"},
			},
			"diabetic nephropathy": {
				Display:  "Diabetic nephropathy",
				Variants: []string{"diabetic kidney disease"},
				ICD10:    []string{"E11.21"},
				SNOMED:   []string{"127013003"},
			},
			"diabetic retinopathy": {
				Display: "Diabetic retinopathy",
				ICD10:   []string{"E11.31"},
				SNOMED:  []string{"4855003"},
			},
			"hypertension": {
				Display:  "Essential hypertension",
				Variants: []string{"high blood pressure"},
				ICD10:    []string{"I10"},
				SNOMED:   []string{"38341003"},
			},
			"heart failure": {
				Display: "Heart failure",
				ICD10:   []string{"I50.9"},
				SNOMED:  []string{"84114007"},
			},
			"end-stage renal disease": {
				Display:  "End-stage renal disease",
				Variants: []string{"esrd"},
				ICD10:    []string{"N18.6"},
			},
			"hba1c": {
				Display:  "Hemoglobin A1c",
				Variants: []string{"a1c", "glycated hemoglobin"},
				LOINC:    []string{"4548-4"},
			},
			"fasting glucose": {
				Display:  "Fasting glucose",
				Variants: []string{"fasting plasma glucose"},
				LOINC:    []string{"1558-6"},
			},
			"blood glucose": {
				Display: "Glucose [Mass/volume] in Blood",
				LOINC:   []string{"2339-0"},
			},
			"metformin": {
				Display: "Metformin",
				RxNorm:  []string{"6809"},
			},
			"insulin": {
				Display:  "Insulin",
				Variants: []string{"insulin therapy"},
				RxNorm:   []string{"5856"},
			},
		},
		Chapters: []Chapter{
			{Name: "E10-E14", Letter: "E", From: 10, To: 14},
			{Name: "E00-E90", Letter: "E", From: 0, To: 90},
			{Name: "I00-I99", Letter: "I", From: 0, To: 99},
			{Name: "C00-C97", Letter: "C", From: 0, To: 97},
			{Name: "J00-J99", Letter: "J", From: 0, To: 99},
			{Name: "F00-F99", Letter: "F", From: 0, To: 99},
			{Name: "N00-N99", Letter: "N", From: 0, To: 99},
			{Name: "G00-G99", Letter: "G", From: 0, To: 99},
			{Name: "K00-K93", Letter: "K", From: 0, To: 93},
			{Name: "M00-M99", Letter: "M", From: 0, To: 99},
		},
		ExclusionMarkers: []string{"exclusion", "excluded", "no history", "without", "must not", "not have", "absence of", "not on"},
		AgeTerms: map[string]AgeRange{
			"adults":  {Min: 18, Max: 65},
			"elderly": {Min: 65, Max: 120},
			"seniors": {Min: 65, Max: 120},
		},
		GenderTerms: map[string][]string{
			"male":   {"male only", "men only", "male patients"},
			"female": {"female only", "women only", "female patients", "postmenopausal women"},
			"all":    {"all genders", "male or female", "both sexes"},
		},
	}
	for code, desc := range map[string]string{
		"E11.21": "diabetic nephropathy",
		"E10.21": "diabetic kidney disease (Type 1)",
		"E11.31": "diabetic retinopathy",
		"E10.31": "diabetic retinopathy (Type 1)",
		"E11.22": "diabetic chronic kidney disease",
		"E11.42": "diabetic neuropathy",
		"I50.9":  "heart failure",
		"I21.9":  "recent myocardial infarction",
		"N18.6":  "end-stage renal disease",
		"N18.5":  "chronic kidney disease stage 5",
		"C50.9":  "breast cancer",
		"C34.9":  "lung cancer",
	} {
		cat.setDescription(ICD10, code, desc)
	}
	cat.setDescription(SNOMED, "127013003", "diabetic nephropathy")
	cat.setDescription(SNOMED, "4855003", "diabetic retinopathy")
	return cat
}
