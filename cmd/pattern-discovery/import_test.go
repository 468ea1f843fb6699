package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestReadBundlesSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.json", `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient","id":"p2","birthDate":"1980-01-01"}}]}`)
	writeFile(t, dir, "a.json", `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient","id":"p1","birthDate":"1990-01-01"}}]}`)
	writeFile(t, dir, "broken.json", `{"resourceType":"Patient"}`)
	writeFile(t, dir, "notes.txt", `ignored`)

	records, errs := readBundles(dir, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	if len(records) != 2 || len(errs) != 1 {
		t.Fatalf("expected 2 records and 1 error, got %d and %v", len(records), errs)
	}
	if records[0].PatientID != "p1" || records[0].Age != 34 || records[1].Age != 44 {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestReadTrialFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "trial.json", `{
	  "trial_id": "NCT00000042",
	  "inclusion_criteria": ["Type 2 diabetes"],
	  "exclusion_criteria": ["Pregnancy"],
	  "criteria": {"inclusion_codes": {"ICD-10": ["E11.9"]}, "age_range": {"min": 18, "max": 75}}
	}`)
	trial, err := readTrialFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trial.Text.TrialID != "NCT00000042" || trial.Criteria == nil || trial.Criteria.TrialID != "NCT00000042" {
		t.Fatalf("unexpected trial %+v", trial)
	}

	bad := writeFile(t, dir, "bad.json", `{"trial_id": "not a trial"}`)
	if _, err := readTrialFile(bad); err == nil {
		t.Fatal("expected malformed trial id to be rejected")
	}
}
