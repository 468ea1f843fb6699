package patients

import (
	"testing"
	"time"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
)

const sampleBundle = `{
  "resourceType": "Bundle",
  "entry": [
    {"resource": {"resourceType": "Patient", "id": "p1", "gender": "female"}},
    {"resource": {"resourceType": "Condition", "code": {"coding": [
      {"system": "http://hl7.org/fhir/sid/icd-10-cm", "code": "e11.9", "display": "Type 2 diabetes"},
      {"system": "http://snomed.info/sct", "code": "44054006"},
      {"system": "http://example.org/local", "code": "DM2"}
    ]}}},
    {"resource": {"resourceType": "Observation",
      "code": {"coding": [{"system": "http://loinc.org", "code": "4548-4"}]},
      "valueQuantity": {"value": 7.4, "unit": "%"}}},
    {"resource": {"resourceType": "MedicationRequest", "medicationCodeableConcept": {"coding": [
      {"system": "http://www.nlm.nih.gov/research/umls/rxnorm", "code": "6809"}
    ]}}}
  ]
}`

func TestExtractCodesFromBundle(t *testing.T) {
	bundle, err := ParseBundle([]byte(sampleBundle))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	codes := ExtractCodes(bundle)
	if len(codes.Conditions) != 2 {
		t.Fatalf("expected local system to be dropped, got %+v", codes.Conditions)
	}
	if codes.Conditions[0].Code != "E11.9" || codes.Conditions[0].System != terminology.ICD10 {
		t.Fatalf("unexpected condition %+v", codes.Conditions[0])
	}
	if codes.LabValues["4548-4"] != 7.4 {
		t.Fatalf("expected HbA1c value, got %v", codes.LabValues)
	}
	if len(codes.Medications) != 1 || codes.Medications[0].System != terminology.RxNorm {
		t.Fatalf("unexpected medications %+v", codes.Medications)
	}

	var record models.PatientRecord
	codes.Apply(&record)
	if !record.Codes().Contains(terminology.SNOMED, "44054006") {
		t.Fatal("expected SNOMED code on record")
	}
}

func TestParseBundleRejectsOtherResources(t *testing.T) {
	if _, err := ParseBundle([]byte(`{"resourceType":"Patient"}`)); err == nil {
		t.Fatal("expected error for non-bundle payload")
	}
}

func TestFromBundleBuildsRecord(t *testing.T) {
	raw := `{"resourceType":"Bundle","entry":[
	  {"resource":{"resourceType":"Patient","id":"p7","gender":"Male","birthDate":"1970-06-15"}},
	  {"resource":{"resourceType":"Condition","code":{"coding":[{"system":"http://hl7.org/fhir/sid/icd-10-cm","code":"I10"}]}}}
	]}`
	bundle, err := ParseBundle([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	record, err := FromBundle(bundle, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.PatientID != "p7" || record.Gender != "male" || record.Age != 53 {
		t.Fatalf("unexpected record %+v", record)
	}
	if !record.Codes().Contains(terminology.ICD10, "I10") {
		t.Fatal("expected condition code on record")
	}

	noPatient, _ := ParseBundle([]byte(`{"resourceType":"Bundle","entry":[]}`))
	if _, err := FromBundle(noPatient, time.Now()); err == nil {
		t.Fatal("expected error for bundle without a Patient")
	}
}
