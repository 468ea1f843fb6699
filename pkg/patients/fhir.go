package patients

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
)

type Coding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding"`
	Text   string   `json:"text"`
}

type Quantity struct {
	Value *float64 `json:"value"`
	Unit  string   `json:"unit"`
}

type Resource struct {
	ResourceType              string           `json:"resourceType"`
	ID                        string           `json:"id"`
	Gender                    string           `json:"gender"`
	BirthDate                 string           `json:"birthDate"`
	Code                      *CodeableConcept `json:"code"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept"`
	ValueQuantity             *Quantity        `json:"valueQuantity"`
}

type BundleEntry struct {
	Resource Resource `json:"resource"`
}

type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Entry        []BundleEntry `json:"entry"`
}

// ExtractedCodes holds the coded facts pulled out of one patient bundle.
type ExtractedCodes struct {
	Conditions   []terminology.Code
	Observations []terminology.Code
	Medications  []terminology.Code
	LabValues    map[string]float64
}

func ParseBundle(raw []byte) (Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return Bundle{}, fmt.Errorf("decode FHIR bundle: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return Bundle{}, fmt.Errorf("expected resourceType Bundle, got %q", bundle.ResourceType)
	}
	return bundle, nil
}

func codesFrom(concept *CodeableConcept) []terminology.Code {
	if concept == nil {
		return nil
	}
	var out []terminology.Code
	for _, coding := range concept.Coding {
		sys, ok := terminology.ParseSystem(coding.System)
		if !ok || strings.TrimSpace(coding.Code) == "" {
			continue
		}
		out = append(out, terminology.Code{
			System:  sys,
			Code:    terminology.NormalizeCode(sys, coding.Code),
			Display: coding.Display,
		})
	}
	return out
}

// ExtractCodes walks Condition, Observation and MedicationRequest resources.
// Codings from unrecognised systems are dropped.
func ExtractCodes(bundle Bundle) ExtractedCodes {
	out := ExtractedCodes{LabValues: map[string]float64{}}
	for _, entry := range bundle.Entry {
		res := entry.Resource
		switch res.ResourceType {
		case "Condition":
			out.Conditions = append(out.Conditions, codesFrom(res.Code)...)
		case "Observation":
			codes := codesFrom(res.Code)
			out.Observations = append(out.Observations, codes...)
			if res.ValueQuantity != nil && res.ValueQuantity.Value != nil {
				for _, c := range codes {
					if c.System == terminology.LOINC {
						out.LabValues[c.Code] = *res.ValueQuantity.Value
					}
				}
			}
		case "MedicationRequest", "Medication":
			if res.MedicationCodeableConcept != nil {
				out.Medications = append(out.Medications, codesFrom(res.MedicationCodeableConcept)...)
			} else {
				out.Medications = append(out.Medications, codesFrom(res.Code)...)
			}
		}
	}
	return out
}

// Apply copies the extracted codes onto a patient record.
func (e ExtractedCodes) Apply(record *models.PatientRecord) {
	record.ConditionCodes = e.Conditions
	record.ObservationCodes = e.Observations
	record.MedicationCodes = e.Medications
	if len(e.LabValues) > 0 {
		record.LabValues = e.LabValues
	}
}

// FromBundle builds a patient record from the bundle's Patient resource and its
// coded facts. Age is computed at asOf; a bundle without a Patient is rejected.
func FromBundle(bundle Bundle, asOf time.Time) (models.PatientRecord, error) {
	var record models.PatientRecord
	found := false
	for _, entry := range bundle.Entry {
		res := entry.Resource
		if res.ResourceType != "Patient" {
			continue
		}
		found = true
		record.PatientID = strings.TrimSpace(res.ID)
		record.Gender = strings.ToLower(res.Gender)
		if res.BirthDate != "" {
			born, err := time.Parse("2006-01-02", res.BirthDate)
			if err != nil {
				return models.PatientRecord{}, fmt.Errorf("patient %s: invalid birthDate %q", res.ID, res.BirthDate)
			}
			record.Age = ageAt(born, asOf)
		}
		break
	}
	if !found || record.PatientID == "" {
		return models.PatientRecord{}, fmt.Errorf("bundle has no identified Patient resource")
	}
	ExtractCodes(bundle).Apply(&record)
	return record, nil
}

func ageAt(born, asOf time.Time) int {
	age := asOf.Year() - born.Year()
	if asOf.YearDay() < born.YearDay() {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}
