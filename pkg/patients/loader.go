package patients

import (
	"context"
	"sync"

	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/embedding"
)

// Store is the read side of the patient repository.
type Store interface {
	List(ctx context.Context) ([]models.PatientRecord, error)
}

// Loader reads patients and fills missing embeddings from the embedding service.
type Loader struct {
	store    Store
	provider embedding.Provider
	workers  int
}

func NewLoader(store Store, provider embedding.Provider, workers int) *Loader {
	if workers <= 0 {
		workers = 4
	}
	return &Loader{store: store, provider: provider, workers: workers}
}

// Load returns every patient with an embedding. Patients whose embedding cannot
// be fetched are skipped and logged, never given a placeholder vector.
func (l *Loader) Load(ctx context.Context) ([]models.PatientRecord, error) {
	records, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if l.provider == nil {
		return withEmbeddings(records, nil), nil
	}

	failed := make([]bool, len(records))
	sem := make(chan struct{}, l.workers)
	var wg sync.WaitGroup
	for i := range records {
		if len(records[i].Embedding) > 0 {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			vector, err := l.provider.Embed(ctx, embedding.SubjectPatient, records[i].PatientID)
			if err != nil {
				logger.Log.WithError(err).WithField("patient_id", records[i].PatientID).Warn("Skipping patient without embedding")
				failed[i] = true
				return
			}
			records[i].Embedding = vector
		}(i)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return withEmbeddings(records, failed), nil
}

func withEmbeddings(records []models.PatientRecord, failed []bool) []models.PatientRecord {
	out := make([]models.PatientRecord, 0, len(records))
	for i, rec := range records {
		if failed != nil && failed[i] {
			continue
		}
		if len(rec.Embedding) == 0 {
			continue
		}
		out = append(out, rec)
	}
	return out
}
