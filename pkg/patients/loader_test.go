package patients

import (
	"context"
	"errors"
	"testing"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/embedding"
)

type staticStore []models.PatientRecord

func (s staticStore) List(context.Context) ([]models.PatientRecord, error) {
	out := make([]models.PatientRecord, len(s))
	copy(out, s)
	return out, nil
}

type stubProvider struct{}

func (stubProvider) Embed(_ context.Context, _ embedding.Subject, id string) ([]float64, error) {
	if id == "P3" {
		return nil, embedding.ErrNotFound
	}
	return []float64{1, 2}, nil
}

func TestLoaderFillsAndSkips(t *testing.T) {
	store := staticStore{
		{PatientID: "P1", Embedding: []float64{9, 9}},
		{PatientID: "P2"},
		{PatientID: "P3"},
	}
	records, err := NewLoader(store, stubProvider{}, 2).Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 patients, got %d", len(records))
	}
	if records[0].Embedding[0] != 9 {
		t.Fatal("existing embedding should be kept")
	}
	if records[1].PatientID != "P2" || records[1].Embedding[1] != 2 {
		t.Fatalf("expected fetched embedding for P2, got %+v", records[1])
	}
}

type failingStore struct{}

func (failingStore) List(context.Context) ([]models.PatientRecord, error) {
	return nil, errors.New("db down")
}

func TestLoaderPropagatesStoreError(t *testing.T) {
	if _, err := NewLoader(failingStore{}, nil, 1).Load(context.Background()); err == nil {
		t.Fatal("expected store error")
	}
}
