package patterns

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var ErrRunNotFound = errors.New("discovery run not found")

type RunModel struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	Status       string            `gorm:"column:status"`
	Seed         int64             `gorm:"column:seed"`
	Config       datatypes.JSONMap `gorm:"column:config"`
	Statistics   datatypes.JSONMap `gorm:"column:statistics"`
	Metrics      datatypes.JSONMap `gorm:"column:metrics"`
	ErrorMessage string            `gorm:"column:error_message"`
	CreatedAt    time.Time         `gorm:"column:created_at"`
	UpdatedAt    time.Time         `gorm:"column:updated_at"`
	StartedAt    *time.Time        `gorm:"column:started_at"`
	CompletedAt  *time.Time        `gorm:"column:completed_at"`
}

func (RunModel) TableName() string {
	return "pattern_discovery_runs"
}

// RunStore persists discovery run bookkeeping.
type RunStore interface {
	Create(ctx context.Context, run *RunModel) error
	UpdateStatus(ctx context.Context, runID uuid.UUID, status string, statistics, metrics map[string]interface{}, errorMessage string) error
	SetTimestamps(ctx context.Context, runID uuid.UUID, startedAt, completedAt *time.Time) error
	Get(ctx context.Context, runID uuid.UUID) (*RunModel, error)
	List(ctx context.Context, limit int) ([]RunModel, error)
}

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&RunModel{})
}

func (r *RunRepository) Create(ctx context.Context, run *RunModel) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *RunRepository) UpdateStatus(ctx context.Context, runID uuid.UUID, status string, statistics, metrics map[string]interface{}, errorMessage string) error {
	updates := map[string]interface{}{
		"status":        status,
		"error_message": errorMessage,
		"updated_at":    time.Now().UTC(),
	}
	if statistics != nil {
		updates["statistics"] = datatypes.JSONMap(statistics)
	}
	if metrics != nil {
		updates["metrics"] = datatypes.JSONMap(metrics)
	}
	return r.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", runID).Updates(updates).Error
}

func (r *RunRepository) SetTimestamps(ctx context.Context, runID uuid.UUID, startedAt, completedAt *time.Time) error {
	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	if startedAt != nil {
		updates["started_at"] = *startedAt
	}
	if completedAt != nil {
		updates["completed_at"] = *completedAt
	}
	return r.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", runID).Updates(updates).Error
}

func (r *RunRepository) Get(ctx context.Context, runID uuid.UUID) (*RunModel, error) {
	var run RunModel
	result := r.db.WithContext(ctx).First(&run, "id = ?", runID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	return &run, result.Error
}

func (r *RunRepository) List(ctx context.Context, limit int) ([]RunModel, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []RunModel
	result := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&runs)
	return runs, result.Error
}
