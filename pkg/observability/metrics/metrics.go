package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	matchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trialmatch",
		Subsystem: "coordinator",
		Name:      "requests_total",
		Help:      "Trial matching requests by final status",
	}, []string{"status"})

	stageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trialmatch",
		Subsystem: "coordinator",
		Name:      "stage_total",
		Help:      "Stage executions by stage and outcome",
	}, []string{"stage", "outcome"})

	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trialmatch",
		Subsystem: "coordinator",
		Name:      "stage_latency_seconds",
		Help:      "Stage execution latency",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
	}, []string{"stage"})

	snapshotPatterns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trialmatch",
		Subsystem: "patterns",
		Name:      "discovered",
		Help:      "Patterns in the published discovery snapshot",
	})

	snapshotPatients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trialmatch",
		Subsystem: "patterns",
		Name:      "patients",
		Help:      "Patients in the published discovery snapshot",
	})

	discoveryRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trialmatch",
		Subsystem: "patterns",
		Name:      "discovery_runs_total",
		Help:      "Discovery runs by final status",
	}, []string{"status"})

	tally = &stageTally{stages: map[string]*StageCount{}}
)

// StageCount is the in-process view of one stage served on the status endpoint.
type StageCount struct {
	Stage          string    `json:"stage"`
	Completed      int64     `json:"completed"`
	Failed         int64     `json:"failed"`
	LastDurationMS float64   `json:"last_duration_ms"`
	LastRun        time.Time `json:"last_run"`
}

type stageTally struct {
	mu     sync.Mutex
	stages map[string]*StageCount
}

func ObserveRequest(status string) {
	matchRequests.WithLabelValues(status).Inc()
}

func ObserveStage(stage string, err error, elapsed time.Duration) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	stageOutcomes.WithLabelValues(stage, outcome).Inc()
	stageLatency.WithLabelValues(stage).Observe(elapsed.Seconds())

	tally.mu.Lock()
	defer tally.mu.Unlock()
	count, ok := tally.stages[stage]
	if !ok {
		count = &StageCount{Stage: stage}
		tally.stages[stage] = count
	}
	if err != nil {
		count.Failed++
	} else {
		count.Completed++
	}
	count.LastDurationMS = float64(elapsed.Microseconds()) / 1000
	count.LastRun = time.Now().UTC()
}

func ObserveSnapshot(patterns, patients int) {
	snapshotPatterns.Set(float64(patterns))
	snapshotPatients.Set(float64(patients))
}

func ObserveDiscoveryRun(status string) {
	discoveryRuns.WithLabelValues(status).Inc()
}

// StageCounts returns a copy of the per-stage tallies ordered by stage name.
func StageCounts() []StageCount {
	tally.mu.Lock()
	defer tally.mu.Unlock()
	out := make([]StageCount, 0, len(tally.stages))
	for _, count := range tally.stages {
		out = append(out, *count)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
