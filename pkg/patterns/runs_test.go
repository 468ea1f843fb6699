package patterns

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
)

type memoryRunStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*RunModel
}

func newMemoryRunStore() *memoryRunStore {
	return &memoryRunStore{runs: map[uuid.UUID]*RunModel{}}
}

func (m *memoryRunStore) Create(_ context.Context, run *RunModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *run
	m.runs[run.ID] = &clone
	return nil
}

func (m *memoryRunStore) UpdateStatus(_ context.Context, id uuid.UUID, status string, statistics, metrics map[string]interface{}, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[id]
	run.Status = status
	run.ErrorMessage = errorMessage
	if statistics != nil {
		run.Statistics = statistics
	}
	if metrics != nil {
		run.Metrics = metrics
	}
	return nil
}

func (m *memoryRunStore) SetTimestamps(_ context.Context, id uuid.UUID, startedAt, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if startedAt != nil {
		m.runs[id].StartedAt = startedAt
	}
	if completedAt != nil {
		m.runs[id].CompletedAt = completedAt
	}
	return nil
}

func (m *memoryRunStore) Get(_ context.Context, id uuid.UUID) (*RunModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	clone := *run
	return &clone, nil
}

func (m *memoryRunStore) List(_ context.Context, _ int) ([]RunModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RunModel
	for _, run := range m.runs {
		out = append(out, *run)
	}
	return out, nil
}

type sliceSource struct {
	patients []models.PatientRecord
	err      error
}

func (s sliceSource) Load(context.Context) ([]models.PatientRecord, error) {
	return s.patients, s.err
}

type recordingPublisher struct {
	events []string
}

func (p *recordingPublisher) PublishEvent(_ context.Context, eventType, _, _ string, _ map[string]interface{}) error {
	p.events = append(p.events, eventType)
	return nil
}

type recordingAssigner struct {
	assignments map[string]string
}

func (a *recordingAssigner) AssignPatterns(_ context.Context, assignments map[string]string) error {
	a.assignments = assignments
	return nil
}

func TestExecutePublishesSnapshot(t *testing.T) {
	registry := NewRegistry()
	publisher := &recordingPublisher{}
	assigner := &recordingAssigner{}
	service := NewRunService(newMemoryRunStore(), registry, testEngine(), sliceSource{patients: cohort()}, publisher, assigner, 1, time.Minute)

	run, err := service.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("expected completed run, got %s (%s)", run.Status, run.ErrorMessage)
	}
	if run.Statistics.PatternsDiscovered != 2 {
		t.Fatalf("unexpected statistics %+v", run.Statistics)
	}
	if registry.Version() != 1 || len(registry.Current().Clusters) != 2 {
		t.Fatal("expected registry to hold the new snapshot")
	}
	if len(publisher.events) != 1 || publisher.events[0] != EventPatternsDiscovered {
		t.Fatalf("unexpected events %v", publisher.events)
	}
	if assigner.assignments["A00"] != "PATTERN_0" {
		t.Fatalf("unexpected assignments %v", assigner.assignments)
	}
	if _, ok := assigner.assignments["Z99"]; ok {
		t.Fatal("noise patients should not be assigned")
	}
}

func TestExecuteKeepsPreviousSnapshotOnFailure(t *testing.T) {
	registry := NewRegistry()
	previous := registry.Current()
	service := NewRunService(newMemoryRunStore(), registry, testEngine(), sliceSource{err: errors.New("db down")}, nil, nil, 1, time.Minute)

	run, err := service.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != StatusFailed || run.ErrorMessage == "" {
		t.Fatalf("expected failed run, got %+v", run)
	}
	if registry.Current() != previous {
		t.Fatal("failed discovery must not replace the snapshot")
	}
}
