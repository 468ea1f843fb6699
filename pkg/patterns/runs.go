package patterns

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/trialmatch/pkg/common/kafka"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/observability/metrics"
	"gorm.io/datatypes"
)

const EventPatternsDiscovered = "patterns.discovered"

// Assigner persists the patient to pattern mapping of a finished run.
type Assigner interface {
	AssignPatterns(ctx context.Context, assignments map[string]string) error
}

// RunService executes discovery runs and records their lifecycle.
type RunService struct {
	store     RunStore
	registry  *Registry
	engine    *Engine
	source    PatientSource
	publisher kafka.Publisher
	assigner  Assigner
	seed      int64
	timeout   time.Duration
	workerSem chan struct{}
}

func NewRunService(store RunStore, registry *Registry, engine *Engine, source PatientSource, publisher kafka.Publisher, assigner Assigner, maxWorkers int, timeout time.Duration) *RunService {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &RunService{
		store:     store,
		registry:  registry,
		engine:    engine,
		source:    source,
		publisher: publisher,
		assigner:  assigner,
		seed:      engine.cfg.Seed,
		timeout:   timeout,
		workerSem: make(chan struct{}, maxWorkers),
	}
}

func (s *RunService) create(ctx context.Context) (*RunModel, error) {
	now := time.Now().UTC()
	run := &RunModel{
		ID:     uuid.New(),
		Status: StatusQueued,
		Seed:   s.seed,
		Config: datatypes.JSONMap{
			"components":       s.engine.cfg.Components,
			"min_cluster_size": s.engine.cfg.MinClusterSize,
			"min_samples":      s.engine.cfg.MinSamples,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Start queues a run in the background and returns immediately.
func (s *RunService) Start(ctx context.Context) (models.DiscoveryRun, error) {
	run, err := s.create(ctx)
	if err != nil {
		return models.DiscoveryRun{}, err
	}
	go s.run(run.ID)
	return toRunDomain(run), nil
}

// Execute runs discovery synchronously and returns the finished run.
func (s *RunService) Execute(ctx context.Context) (models.DiscoveryRun, error) {
	run, err := s.create(ctx)
	if err != nil {
		return models.DiscoveryRun{}, err
	}
	s.run(run.ID)
	return s.Get(ctx, run.ID)
}

func (s *RunService) Get(ctx context.Context, id uuid.UUID) (models.DiscoveryRun, error) {
	run, err := s.store.Get(ctx, id)
	if err != nil {
		return models.DiscoveryRun{}, err
	}
	return toRunDomain(run), nil
}

func (s *RunService) List(ctx context.Context, limit int) ([]models.DiscoveryRun, error) {
	runs, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	results := make([]models.DiscoveryRun, 0, len(runs))
	for i := range runs {
		results = append(results, toRunDomain(&runs[i]))
	}
	return results, nil
}

func (s *RunService) run(runID uuid.UUID) {
	s.workerSem <- struct{}{}
	defer func() { <-s.workerSem }()

	ctx := context.Background()
	start := time.Now().UTC()
	if err := s.store.UpdateStatus(ctx, runID, StatusRunning, nil, nil, ""); err != nil {
		logger.Log.WithError(err).Error("failed to mark discovery run running")
	}
	if err := s.store.SetTimestamps(ctx, runID, &start, nil); err != nil {
		logger.Log.WithError(err).Error("failed to set start timestamp")
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	snapshot, err := s.registry.Refresh(runCtx, s.source, s.engine)
	if err != nil {
		s.failRun(ctx, runID, fmt.Errorf("discovery failed: %w", err))
		return
	}

	if s.assigner != nil {
		assignments := make(map[string]string, len(snapshot.Patients))
		for id, rec := range snapshot.Patients {
			if rec.PatternID != "" {
				assignments[id] = rec.PatternID
			}
		}
		if err := s.assigner.AssignPatterns(ctx, assignments); err != nil {
			logger.Log.WithError(err).WithField("run_id", runID).Warn("failed to persist pattern assignments")
		}
	}

	stats := statisticsMap(snapshot.Statistics)
	metrics.ObserveSnapshot(len(snapshot.Clusters), len(snapshot.Patients))
	runMetrics := map[string]interface{}{
		"duration_seconds": time.Since(start).Seconds(),
		"registry_version": s.registry.Version(),
		"timestamp":        time.Now().UTC(),
	}

	if s.publisher != nil {
		data := map[string]interface{}{
			"run_id":     runID.String(),
			"statistics": stats,
			"patterns":   Insights(snapshot.Clusters, 0),
		}
		if err := s.publisher.PublishEvent(ctx, EventPatternsDiscovered, "pattern-discovery", runID.String(), data); err != nil {
			logger.Log.WithError(err).WithField("run_id", runID).Warn("failed to publish discovery event")
		}
	}

	if err := s.store.UpdateStatus(ctx, runID, StatusCompleted, stats, runMetrics, ""); err != nil {
		logger.Log.WithError(err).Error("failed to mark discovery run complete")
	}
	metrics.ObserveDiscoveryRun(StatusCompleted)
	completed := time.Now().UTC()
	if err := s.store.SetTimestamps(ctx, runID, nil, &completed); err != nil {
		logger.Log.WithError(err).Error("failed to set completion timestamp")
	}
}

func (s *RunService) failRun(ctx context.Context, runID uuid.UUID, err error) {
	logger.Log.WithError(err).WithField("run_id", runID).Error("discovery run failed")
	metrics.ObserveDiscoveryRun(StatusFailed)
	_ = s.store.UpdateStatus(ctx, runID, StatusFailed, nil, nil, err.Error())
	completed := time.Now().UTC()
	_ = s.store.SetTimestamps(ctx, runID, nil, &completed)
}

func statisticsMap(stats models.DiscoveryStatistics) map[string]interface{} {
	return map[string]interface{}{
		"total_patients":      stats.TotalPatients,
		"patterns_discovered": stats.PatternsDiscovered,
		"clustered_patients":  stats.ClusteredPatients,
		"noise_patients":      stats.NoisePatients,
	}
}

func intFrom(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func toRunDomain(run *RunModel) models.DiscoveryRun {
	result := models.DiscoveryRun{
		ID:           run.ID,
		Status:       run.Status,
		Seed:         run.Seed,
		ErrorMessage: run.ErrorMessage,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
	if run.Statistics != nil {
		stats := map[string]interface{}(run.Statistics)
		result.Statistics = models.DiscoveryStatistics{
			TotalPatients:      intFrom(stats, "total_patients"),
			PatternsDiscovered: intFrom(stats, "patterns_discovered"),
			ClusteredPatients:  intFrom(stats, "clustered_patients"),
			NoisePatients:      intFrom(stats, "noise_patients"),
		}
	}
	if run.Metrics != nil {
		result.Metrics = map[string]interface{}(run.Metrics)
	}
	return result
}
