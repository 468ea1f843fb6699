package patients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrPatientNotFound = errors.New("patient not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&PatientModel{})
}

// Upsert inserts or replaces patients keyed by patient_id.
func (r *Repository) Upsert(ctx context.Context, records []models.PatientRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]PatientModel, 0, len(records))
	for _, rec := range records {
		row, err := toModel(rec)
		if err != nil {
			return fmt.Errorf("encode patient %s: %w", rec.PatientID, err)
		}
		row.CreatedAt = now
		row.UpdatedAt = now
		rows = append(rows, row)
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "patient_id"}},
		UpdateAll: true,
	}).CreateInBatches(rows, 500).Error
}

func (r *Repository) Get(ctx context.Context, patientID string) (models.PatientRecord, error) {
	var row PatientModel
	result := r.db.WithContext(ctx).First(&row, "patient_id = ?", patientID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return models.PatientRecord{}, ErrPatientNotFound
	}
	if result.Error != nil {
		return models.PatientRecord{}, result.Error
	}
	return toDomain(row)
}

// List returns every patient ordered by id.
func (r *Repository) List(ctx context.Context) ([]models.PatientRecord, error) {
	var rows []PatientModel
	if err := r.db.WithContext(ctx).Order("patient_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.PatientRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := toDomain(row)
		if err != nil {
			return nil, fmt.Errorf("decode patient %s: %w", row.PatientID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// AssignPatterns records discovery output; patients not in the map are reset to noise.
func (r *Repository) AssignPatterns(ctx context.Context, assignments map[string]string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&PatientModel{}).Where("pattern_id <> ''").Update("pattern_id", "").Error; err != nil {
			return err
		}
		for patientID, patternID := range assignments {
			if err := tx.Model(&PatientModel{}).Where("patient_id = ?", patientID).Update("pattern_id", patternID).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
