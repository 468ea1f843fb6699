package patterns

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/terminology"
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type Config struct {
	Seed           int64
	Components     int
	MinClusterSize int
	MinSamples     int
	TopConditions  int
}

// Engine discovers patient patterns from embeddings.
type Engine struct {
	cfg       Config
	projector Projector
	clusterer HDBSCAN
}

func NewEngine(cfg Config, projector Projector) *Engine {
	if projector == nil {
		projector = PCAProjector{}
	}
	if cfg.TopConditions <= 0 {
		cfg.TopConditions = 5
	}
	return &Engine{
		cfg:       cfg,
		projector: projector,
		clusterer: HDBSCAN{MinClusterSize: cfg.MinClusterSize, MinSamples: cfg.MinSamples},
	}
}

// Snapshot is one immutable discovery result shared read-only by requests.
type Snapshot struct {
	Clusters     []models.PatternCluster
	Patients     map[string]models.PatientRecord
	Statistics   models.DiscoveryStatistics
	Seed         int64
	DiscoveredAt time.Time

	byID map[string]int
}

// NewSnapshot indexes clusters by id. Callers must not modify the inputs afterwards.
func NewSnapshot(clusters []models.PatternCluster, patients map[string]models.PatientRecord, stats models.DiscoveryStatistics, seed int64) *Snapshot {
	s := &Snapshot{
		Clusters:     clusters,
		Patients:     patients,
		Statistics:   stats,
		Seed:         seed,
		DiscoveredAt: time.Now().UTC(),
		byID:         make(map[string]int, len(clusters)),
	}
	for i, c := range clusters {
		s.byID[c.ID] = i
	}
	return s
}

// EmptySnapshot has no patients and no patterns.
func EmptySnapshot() *Snapshot {
	return NewSnapshot(nil, map[string]models.PatientRecord{}, models.DiscoveryStatistics{}, 0)
}

func (s *Snapshot) Cluster(id string) (models.PatternCluster, bool) {
	idx, ok := s.byID[id]
	if !ok {
		return models.PatternCluster{}, false
	}
	return s.Clusters[idx], true
}

func (s *Snapshot) Patient(id string) (models.PatientRecord, bool) {
	p, ok := s.Patients[id]
	return p, ok
}

// Discover projects, clusters and summarises the given patients. Input order
// does not affect the result.
func (e *Engine) Discover(ctx context.Context, patients []models.PatientRecord) (*Snapshot, error) {
	records := dedupeSorted(patients)
	if len(records) == 0 {
		return NewSnapshot(nil, map[string]models.PatientRecord{}, models.DiscoveryStatistics{}, e.cfg.Seed), nil
	}

	dim := len(records[0].Embedding)
	data := make([][]float64, len(records))
	for i, rec := range records {
		if len(rec.Embedding) == 0 || len(rec.Embedding) != dim {
			return nil, fmt.Errorf("patient %s has %d dimensions, expected %d: %w", rec.PatientID, len(rec.Embedding), dim, ErrDimensionMismatch)
		}
		data[i] = rec.Embedding
	}

	labels := make([]int, len(records))
	strengths := make([]float64, len(records))
	for i := range labels {
		labels[i] = -1
	}
	if len(records) >= e.cfg.MinClusterSize {
		projected, err := e.projector.Project(data, e.cfg.Components)
		if err != nil {
			return nil, fmt.Errorf("project embeddings: %w", err)
		}
		result, err := e.clusterer.Cluster(ctx, projected)
		if err != nil {
			return nil, err
		}
		labels, strengths = result.Labels, result.Strengths
	}

	members := map[int][]int{}
	var order []int
	for i, label := range labels {
		if label < 0 {
			continue
		}
		if _, seen := members[label]; !seen {
			order = append(order, label)
		}
		members[label] = append(members[label], i)
	}

	clusters := make([]models.PatternCluster, 0, len(order))
	byPatient := make(map[string]models.PatientRecord, len(records))
	for _, rec := range records {
		rec.PatternID = ""
		byPatient[rec.PatientID] = rec
	}
	clustered := 0
	for n, label := range order {
		idx := members[label]
		cluster := e.summarise(fmt.Sprintf("PATTERN_%d", n), records, idx, strengths)
		clusters = append(clusters, cluster)
		for _, i := range idx {
			rec := byPatient[records[i].PatientID]
			rec.PatternID = cluster.ID
			byPatient[rec.PatientID] = rec
		}
		clustered += len(idx)
	}

	stats := models.DiscoveryStatistics{
		TotalPatients:      len(records),
		PatternsDiscovered: len(clusters),
		ClusteredPatients:  clustered,
		NoisePatients:      len(records) - clustered,
	}
	logger.Log.WithFields(map[string]interface{}{
		"total_patients": stats.TotalPatients,
		"patterns":       stats.PatternsDiscovered,
		"noise":          stats.NoisePatients,
		"seed":           e.cfg.Seed,
	}).Info("Pattern discovery finished")

	return NewSnapshot(clusters, byPatient, stats, e.cfg.Seed), nil
}

func dedupeSorted(patients []models.PatientRecord) []models.PatientRecord {
	out := make([]models.PatientRecord, 0, len(patients))
	seen := make(map[string]struct{}, len(patients))
	for _, p := range patients {
		if _, dup := seen[p.PatientID]; dup {
			logger.Log.WithField("patient_id", p.PatientID).Warn("Duplicate patient ignored in discovery")
			continue
		}
		seen[p.PatientID] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out
}

func (e *Engine) summarise(id string, records []models.PatientRecord, idx []int, strengths []float64) models.PatternCluster {
	dim := len(records[idx[0]].Embedding)
	centroid := make([]float64, dim)
	for _, i := range idx {
		for d, v := range records[i].Embedding {
			centroid[d] += v
		}
	}
	for d := range centroid {
		centroid[d] /= float64(len(idx))
	}

	var spread, strength, ageSum float64
	var approached, enrolled, labelled int
	ageMin, ageMax := math.MaxInt, math.MinInt
	ids := make([]string, 0, len(idx))
	conditionCounts := map[terminology.Code]int{}
	displays := map[terminology.Code]string{}
	for _, i := range idx {
		rec := records[i]
		ids = append(ids, rec.PatientID)
		spread += euclidean(rec.Embedding, centroid)
		strength += strengths[i]
		ageSum += float64(rec.Age)
		if rec.Age < ageMin {
			ageMin = rec.Age
		}
		if rec.Age > ageMax {
			ageMax = rec.Age
		}
		if rec.History.Approached > 0 {
			labelled++
			approached += rec.History.Approached
			enrolled += rec.History.Enrolled
		}
		seen := map[terminology.Code]bool{}
		for _, c := range rec.ConditionCodes {
			key := terminology.Code{System: c.System, Code: c.Code}
			if !c.Known() || seen[key] {
				continue
			}
			seen[key] = true
			conditionCounts[key]++
			if displays[key] == "" {
				displays[key] = c.Display
			}
		}
	}
	size := float64(len(idx))
	coverage := float64(labelled) / size

	return models.PatternCluster{
		ID:                    id,
		Centroid:              centroid,
		MemberCount:           len(idx),
		HistoricalSuccessRate: float64(enrolled+1) / float64(approached+2),
		Confidence:            clamp01((strength / size) * (0.5 + 0.5*coverage)),
		MemberPatientIDs:      ids,
		Spread:                spread / size,
		AgeMin:                ageMin,
		AgeMax:                ageMax,
		AgeMean:               ageSum / size,
		TopConditions:         topCodes(conditionCounts, displays, e.cfg.TopConditions),
	}
}

// topCodes orders codes by member count, then system and code.
func topCodes(counts map[terminology.Code]int, displays map[terminology.Code]string, limit int) []terminology.Code {
	keys := make([]terminology.Code, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		if keys[i].System != keys[j].System {
			return keys[i].System < keys[j].System
		}
		return keys[i].Code < keys[j].Code
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]terminology.Code, len(keys))
	for i, key := range keys {
		out[i] = terminology.Code{System: key.System, Code: key.Code, Display: displays[key]}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
