package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/coordinator"
	"github.com/synaptica-ai/trialmatch/pkg/gateway/middleware"
)

// Matcher runs one trial-matching request.
type Matcher interface {
	Run(ctx context.Context, req models.MatchRequest) (models.MatchResponse, error)
}

type MatchHandler struct {
	Matcher Matcher
}

func RegisterMatchRoutes(router *mux.Router, h *MatchHandler) {
	if h == nil || h.Matcher == nil {
		panic("match routes require a matcher")
	}
	router.HandleFunc("/match", h.handleMatch).Methods(http.MethodPost)
}

func (h *MatchHandler) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req models.MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequestID == "" {
		req.RequestID = middleware.RequestID(r.Context())
	}

	resp, err := h.Matcher.Run(r.Context(), req)
	status := http.StatusOK
	switch {
	case err == nil:
	case coordinator.IsInputError(err):
		status = http.StatusBadRequest
	case resp.Status == "error":
		status = http.StatusInternalServerError
	default:
		// Partial results are still a usable answer.
		logger.Log.WithError(err).WithField("trial_id", req.TrialID).Warn("Returning partial match results")
	}
	writeJSONStatus(w, status, resp)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Log.WithError(err).Error("failed to write json response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONStatus(w, status, map[string]string{"status": "error", "error": message})
}
