package patterns

import (
	"context"
	"sync"

	"github.com/synaptica-ai/trialmatch/pkg/common/models"
)

// PatientSource supplies the patients a discovery run clusters.
type PatientSource interface {
	Load(ctx context.Context) ([]models.PatientRecord, error)
}

// Registry holds the published snapshot. Requests read the current pointer and
// keep using it for their whole run; discovery swaps it in one write.
type Registry struct {
	mu      sync.RWMutex
	current *Snapshot
	version int64

	refreshMu sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{current: EmptySnapshot()}
}

func (r *Registry) Current() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Registry) Publish(s *Snapshot) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = s
	r.version++
	return r.version
}

// Refresh runs one discovery at a time and publishes its snapshot. A failed
// discovery leaves the previous snapshot in place.
func (r *Registry) Refresh(ctx context.Context, source PatientSource, engine *Engine) (*Snapshot, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	patients, err := source.Load(ctx)
	if err != nil {
		return nil, err
	}
	snapshot, err := engine.Discover(ctx, patients)
	if err != nil {
		return nil, err
	}
	r.Publish(snapshot)
	return snapshot, nil
}
