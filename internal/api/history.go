package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shizukutanaka/autosys/internal/backup"
	"github.com/shizukutanaka/autosys/internal/history"
	"github.com/shizukutanaka/autosys/internal/monitoring"
)

const (
	defaultSampleLimit = 100
	maxSampleLimit     = 10000
)

// HistoryReader is the read side of the history database.
type HistoryReader interface {
	SamplesSince(ctx context.Context, since time.Time, limit int) ([]monitoring.Sample, error)
	Job(ctx context.Context, id string) (backup.Job, error)
}

var samplePeriods = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"all": 0,
}

// SamplesView is the body of /api/v1/samples.
type SamplesView struct {
	Period  string              `json:"period"`
	Since   *time.Time          `json:"since,omitempty"`
	Total   int                 `json:"total"`
	Samples []monitoring.Sample `json:"samples"`
}

// WithHistory enables the history endpoints. Call before Start.
func (s *Server) WithHistory(h HistoryReader) *Server {
	s.history = h
	return s
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "history is disabled")
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "1h"
	}
	window, ok := samplePeriods[period]
	if !ok {
		respondError(w, http.StatusBadRequest, "period must be one of 1h, 24h, 7d, 30d, all")
		return
	}

	limit := defaultSampleLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSampleLimit)
	}

	view := SamplesView{Period: period}
	var since time.Time
	if window > 0 {
		since = time.Now().Add(-window)
		view.Since = &since
	}

	samples, err := s.history.SamplesSince(r.Context(), since, limit)
	if err != nil {
		s.logger.Error("Failed to read sample history", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if samples == nil {
		samples = []monitoring.Sample{}
	}
	view.Samples = samples
	view.Total = len(samples)
	respondJSON(w, http.StatusOK, view)
}

// handleBackup looks a job up in the live snapshot first, then in history.
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	snap := s.store.Load()
	if snap.ActiveJob != nil && snap.ActiveJob.ID == id {
		respondJSON(w, http.StatusOK, snap.ActiveJob)
		return
	}
	for i := range snap.Jobs {
		if snap.Jobs[i].ID == id {
			respondJSON(w, http.StatusOK, snap.Jobs[i])
			return
		}
	}

	if s.history == nil {
		respondError(w, http.StatusNotFound, "backup not found")
		return
	}
	job, err := s.history.Job(r.Context(), id)
	switch {
	case errors.Is(err, history.ErrNotFound):
		respondError(w, http.StatusNotFound, "backup not found")
	case err != nil:
		s.logger.Error("Failed to read job history", zap.String("job_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "history unavailable")
	default:
		respondJSON(w, http.StatusOK, job)
	}
}
