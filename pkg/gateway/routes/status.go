package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/trialmatch/pkg/coordinator"
	"github.com/synaptica-ai/trialmatch/pkg/observability/metrics"
)

// Check is one readiness probe, e.g. a database or Redis ping.
type Check func(ctx context.Context) error

type StatusHandler struct {
	Snapshots       SnapshotReader
	SiteCount       int
	Checks          map[string]Check
	LivenessTimeout time.Duration
	StartedAt       time.Time
}

type stageStatus struct {
	metrics.StageCount
	Healthy bool `json:"healthy"`
}

func RegisterStatusRoutes(router *mux.Router, api *mux.Router, h *StatusHandler) {
	if h.LivenessTimeout <= 0 {
		h.LivenessTimeout = 5 * time.Second
	}
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	api.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
}

func (h *StatusHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func (h *StatusHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	results := h.probe(r.Context())
	status := http.StatusOK
	for _, result := range results {
		if result != "ok" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSONStatus(w, status, map[string]interface{}{"ready": status == http.StatusOK, "checks": results})
}

// probe runs every check under the liveness deadline.
func (h *StatusHandler) probe(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, h.LivenessTimeout)
	defer cancel()
	results := make(map[string]string, len(h.Checks))
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	return results
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts := map[string]metrics.StageCount{}
	for _, count := range metrics.StageCounts() {
		counts[count.Stage] = count
	}
	stages := make([]stageStatus, 0, len(coordinator.Stages))
	for _, name := range coordinator.Stages {
		count, ok := counts[name]
		if !ok {
			count = metrics.StageCount{Stage: name}
		}
		stages = append(stages, stageStatus{StageCount: count, Healthy: count.Failed <= count.Completed})
	}

	resp := map[string]interface{}{
		"stages":         stages,
		"checks":         h.probe(r.Context()),
		"sites":          h.SiteCount,
		"uptime_seconds": time.Since(h.StartedAt).Seconds(),
	}
	if h.Snapshots != nil {
		snapshot := h.Snapshots.Current()
		resp["patterns"] = map[string]interface{}{
			"version":       h.Snapshots.Version(),
			"statistics":    snapshot.Statistics,
			"discovered_at": snapshot.DiscoveredAt,
		}
	}
	writeJSON(w, resp)
}
