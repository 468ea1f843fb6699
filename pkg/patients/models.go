package patients

import (
	"encoding/json"
	"time"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
	"gorm.io/datatypes"
)

type PatientModel struct {
	PatientID        string            `gorm:"primaryKey;column:patient_id"`
	Age              int               `gorm:"column:age"`
	Gender           string            `gorm:"column:gender"`
	ConditionCodes   datatypes.JSON    `gorm:"column:condition_codes"`
	ObservationCodes datatypes.JSON    `gorm:"column:observation_codes"`
	MedicationCodes  datatypes.JSON    `gorm:"column:medication_codes"`
	LabValues        datatypes.JSONMap `gorm:"column:lab_values"`
	Embedding        datatypes.JSON    `gorm:"column:embedding"`
	PatternID        string            `gorm:"column:pattern_id;index"`
	Latitude         float64           `gorm:"column:latitude"`
	Longitude        float64           `gorm:"column:longitude"`
	Region           string            `gorm:"column:region"`
	TrialsApproached int               `gorm:"column:trials_approached"`
	TrialsEnrolled   int               `gorm:"column:trials_enrolled"`
	CreatedAt        time.Time         `gorm:"column:created_at"`
	UpdatedAt        time.Time         `gorm:"column:updated_at"`
}

func (PatientModel) TableName() string {
	return "patients"
}

func toModel(p models.PatientRecord) (PatientModel, error) {
	encode := func(v interface{}) (datatypes.JSON, error) {
		raw, err := json.Marshal(v)
		return datatypes.JSON(raw), err
	}
	conditions, err := encode(p.ConditionCodes)
	if err != nil {
		return PatientModel{}, err
	}
	observations, err := encode(p.ObservationCodes)
	if err != nil {
		return PatientModel{}, err
	}
	medications, err := encode(p.MedicationCodes)
	if err != nil {
		return PatientModel{}, err
	}
	embedding, err := encode(p.Embedding)
	if err != nil {
		return PatientModel{}, err
	}
	labs := datatypes.JSONMap{}
	for code, value := range p.LabValues {
		labs[code] = value
	}
	return PatientModel{
		PatientID:        p.PatientID,
		Age:              p.Age,
		Gender:           p.Gender,
		ConditionCodes:   conditions,
		ObservationCodes: observations,
		MedicationCodes:  medications,
		LabValues:        labs,
		Embedding:        embedding,
		PatternID:        p.PatternID,
		Latitude:         p.Location.Lat,
		Longitude:        p.Location.Lon,
		Region:           p.Location.Region,
		TrialsApproached: p.History.Approached,
		TrialsEnrolled:   p.History.Enrolled,
	}, nil
}

func toDomain(m PatientModel) (models.PatientRecord, error) {
	record := models.PatientRecord{
		PatientID: m.PatientID,
		Age:       m.Age,
		Gender:    m.Gender,
		PatternID: m.PatternID,
		Location:  models.Location{Lat: m.Latitude, Lon: m.Longitude, Region: m.Region},
		History:   models.EnrollmentHistory{Approached: m.TrialsApproached, Enrolled: m.TrialsEnrolled},
	}
	decode := func(raw datatypes.JSON, out *[]terminology.Code) error {
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return err
		}
		*out = terminology.FilterKnown(*out)
		return nil
	}
	if err := decode(m.ConditionCodes, &record.ConditionCodes); err != nil {
		return record, err
	}
	if err := decode(m.ObservationCodes, &record.ObservationCodes); err != nil {
		return record, err
	}
	if err := decode(m.MedicationCodes, &record.MedicationCodes); err != nil {
		return record, err
	}
	if len(m.Embedding) > 0 {
		if err := json.Unmarshal(m.Embedding, &record.Embedding); err != nil {
			return record, err
		}
	}
	if len(m.LabValues) > 0 {
		record.LabValues = make(map[string]float64, len(m.LabValues))
		for code, value := range m.LabValues {
			if f, ok := value.(float64); ok {
				record.LabValues[code] = f
			}
		}
	}
	return record, nil
}
