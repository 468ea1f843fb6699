package terminology

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestParseSystemAliasesAndURLs(t *testing.T) {
	cases := map[string]System{
		"icd10":                  ICD10,
		"ICD-10":                 ICD10,
		"http://snomed.info/sct": SNOMED,
		"http://loinc.org":       LOINC,
		"http://www.nlm.nih.gov/research/umls/rxnorm": RxNorm,
		"RxNorm": RxNorm,
	}
	for raw, want := range cases {
		got, ok := ParseSystem(raw)
		if !ok || got != want {
			t.Fatalf("ParseSystem(%q) = %q, %v; want %q", raw, got, ok, want)
		}
	}
	if _, ok := ParseSystem("http://terminology.hl7.org/CodeSystem/v3-ActCode"); ok {
		t.Fatal("expected unknown FHIR system to be rejected")
	}
	if _, ok := ParseSystem("cpt"); ok {
		t.Fatal("expected unknown system to be rejected")
	}
}

func TestCodeSetDropsUnknownSystems(t *testing.T) {
	var set CodeSet
	if err := json.Unmarshal([]byte(`{"icd10":["e11.21"," E11.9 "],"cpt":["99213"],"loinc":["4548-4"]}`), &set); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if set.Len() != 3 {
		t.Fatalf("expected 3 codes, got %d (%v)", set.Len(), set)
	}
	if !set.Contains(ICD10, "E11.21") {
		t.Fatal("expected normalised ICD-10 code to be present")
	}
}

func TestCodeUnmarshalLeavesUnknownSystemEmpty(t *testing.T) {
	var codes []Code
	payload := `[{"system":"http://loinc.org","code":"4548-4"},{"system":"local","code":"X1"}]`
	if err := json.Unmarshal([]byte(payload), &codes); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	known := FilterKnown(codes)
	if len(known) != 1 || known[0].System != LOINC {
		t.Fatalf("expected only the LOINC code to survive, got %+v", known)
	}
}

func TestChapterOf(t *testing.T) {
	cat := DefaultCatalog()
	cases := map[string]string{
		"E11.9": "E10-E14",
		"E05.0": "E00-E90",
		"I10":   "I00-I99",
		"Z00.0": "",
		"11":    "",
	}
	for code, want := range cases {
		if got := cat.ChapterOf(code); got != want {
			t.Fatalf("ChapterOf(%q) = %q, want %q", code, got, want)
		}
	}
}

func TestDescribeFallsBack(t *testing.T) {
	cat := DefaultCatalog()
	if got := cat.Describe(ICD10, "e11.21"); got != "diabetic nephropathy" {
		t.Fatalf("unexpected description %q", got)
	}
	if got := cat.Describe(RxNorm, "12345"); got != "excluded RxNorm code 12345" {
		t.Fatalf("unexpected fallback %q", got)
	}
}

func TestLoadOverridesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "terminology.yaml")
	content := `
descriptions:
  icd10:
    Z99.2: dependence on renal dialysis
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cat, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cat.Describe(ICD10, "Z99.2"); got != "dependence on renal dialysis" {
		t.Fatalf("unexpected description %q", got)
	}
	if len(cat.Concepts) == 0 {
		t.Fatal("expected default concepts to be kept")
	}
}
