package routes

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/patterns"
)

// SnapshotReader exposes the published discovery snapshot.
type SnapshotReader interface {
	Current() *patterns.Snapshot
	Version() int64
}

// DiscoveryRuns starts and reports discovery runs.
type DiscoveryRuns interface {
	Start(ctx context.Context) (models.DiscoveryRun, error)
	Get(ctx context.Context, id uuid.UUID) (models.DiscoveryRun, error)
	List(ctx context.Context, limit int) ([]models.DiscoveryRun, error)
}

type PatternsHandler struct {
	Snapshots SnapshotReader
	Runs      DiscoveryRuns
}

type patternsResponse struct {
	Version      int64                      `json:"version"`
	DiscoveredAt string                     `json:"discovered_at,omitempty"`
	Statistics   models.DiscoveryStatistics `json:"statistics"`
	Patterns     []models.PatternInsight    `json:"patterns"`
}

func RegisterPatternRoutes(router *mux.Router, h *PatternsHandler) {
	if h == nil || h.Snapshots == nil {
		panic("pattern routes require a snapshot reader")
	}
	router.HandleFunc("/patterns", h.handleList).Methods(http.MethodGet)
	if h.Runs != nil {
		router.HandleFunc("/patterns/discover", h.handleDiscover).Methods(http.MethodPost)
		router.HandleFunc("/patterns/runs", h.handleRuns).Methods(http.MethodGet)
		router.HandleFunc("/patterns/runs/{id}", h.handleRun).Methods(http.MethodGet)
	}
}

func (h *PatternsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	snapshot := h.Snapshots.Current()
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	resp := patternsResponse{
		Version:    h.Snapshots.Version(),
		Statistics: snapshot.Statistics,
		Patterns:   patterns.Insights(snapshot.Clusters, limit),
	}
	if !snapshot.DiscoveredAt.IsZero() {
		resp.DiscoveredAt = snapshot.DiscoveredAt.Format("2006-01-02T15:04:05Z07:00")
	}
	writeJSON(w, resp)
}

func (h *PatternsHandler) handleDiscover(w http.ResponseWriter, r *http.Request) {
	run, err := h.Runs.Start(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("failed to start discovery run")
		writeError(w, http.StatusInternalServerError, "failed to start discovery run")
		return
	}
	writeJSONStatus(w, http.StatusAccepted, run)
}

func (h *PatternsHandler) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.Runs.List(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list discovery runs")
		writeError(w, http.StatusInternalServerError, "failed to list discovery runs")
		return
	}
	writeJSON(w, runs)
}

func (h *PatternsHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := h.Runs.Get(r.Context(), id)
	if errors.Is(err, patterns.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "discovery run not found")
		return
	}
	if err != nil {
		logger.Log.WithError(err).WithField("run_id", id).Error("failed to load discovery run")
		writeError(w, http.StatusInternalServerError, "failed to load discovery run")
		return
	}
	writeJSON(w, run)
}
