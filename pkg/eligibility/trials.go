package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Trial is a registered trial: its free text and, once curated, its coded criteria.
type Trial struct {
	Text     models.TrialText
	Criteria *models.TrialCriteria
}

// TrialStore looks up registered trials.
type TrialStore interface {
	Get(ctx context.Context, trialID string) (Trial, error)
}

type TrialModel struct {
	TrialID           string         `gorm:"primaryKey;column:trial_id"`
	Title             string         `gorm:"column:title"`
	InclusionCriteria datatypes.JSON `gorm:"column:inclusion_criteria"`
	ExclusionCriteria datatypes.JSON `gorm:"column:exclusion_criteria"`
	TargetEnrollment  int            `gorm:"column:target_enrollment"`
	Criteria          datatypes.JSON `gorm:"column:criteria"` // structured criteria, null until curated
	CreatedAt         time.Time      `gorm:"column:created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at"`
}

func (TrialModel) TableName() string {
	return "trials"
}

type TrialRepository struct {
	db *gorm.DB
}

func NewTrialRepository(db *gorm.DB) *TrialRepository {
	return &TrialRepository{db: db}
}

func (r *TrialRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&TrialModel{})
}

// Save inserts or replaces a trial keyed by trial_id.
func (r *TrialRepository) Save(ctx context.Context, trial Trial) error {
	row, err := toTrialModel(trial)
	if err != nil {
		return fmt.Errorf("encode trial %s: %w", trial.Text.TrialID, err)
	}
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trial_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "inclusion_criteria", "exclusion_criteria", "target_enrollment", "criteria", "updated_at"}),
	}).Create(&row).Error
}

func (r *TrialRepository) Get(ctx context.Context, trialID string) (Trial, error) {
	var row TrialModel
	result := r.db.WithContext(ctx).First(&row, "trial_id = ?", trialID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return Trial{}, ErrTrialNotFound
	}
	if result.Error != nil {
		return Trial{}, result.Error
	}
	return toTrial(row)
}

func toTrialModel(t Trial) (TrialModel, error) {
	inclusion, err := json.Marshal(t.Text.InclusionCriteria)
	if err != nil {
		return TrialModel{}, err
	}
	exclusion, err := json.Marshal(t.Text.ExclusionCriteria)
	if err != nil {
		return TrialModel{}, err
	}
	row := TrialModel{
		TrialID:           t.Text.TrialID,
		Title:             t.Text.Title,
		InclusionCriteria: datatypes.JSON(inclusion),
		ExclusionCriteria: datatypes.JSON(exclusion),
		TargetEnrollment:  t.Text.TargetEnrollment,
	}
	if t.Criteria != nil {
		raw, err := json.Marshal(t.Criteria)
		if err != nil {
			return TrialModel{}, err
		}
		row.Criteria = datatypes.JSON(raw)
	}
	return row, nil
}

func toTrial(m TrialModel) (Trial, error) {
	trial := Trial{Text: models.TrialText{
		TrialID:          m.TrialID,
		Title:            m.Title,
		TargetEnrollment: m.TargetEnrollment,
	}}
	if len(m.InclusionCriteria) > 0 {
		if err := json.Unmarshal(m.InclusionCriteria, &trial.Text.InclusionCriteria); err != nil {
			return Trial{}, fmt.Errorf("decode inclusion criteria of %s: %w", m.TrialID, err)
		}
	}
	if len(m.ExclusionCriteria) > 0 {
		if err := json.Unmarshal(m.ExclusionCriteria, &trial.Text.ExclusionCriteria); err != nil {
			return Trial{}, fmt.Errorf("decode exclusion criteria of %s: %w", m.TrialID, err)
		}
	}
	if len(m.Criteria) > 0 && string(m.Criteria) != "null" {
		var criteria models.TrialCriteria
		if err := json.Unmarshal(m.Criteria, &criteria); err != nil {
			return Trial{}, fmt.Errorf("decode criteria of %s: %w", m.TrialID, err)
		}
		trial.Criteria = &criteria
	}
	return trial, nil
}
