package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/autosys/internal/backup"
	"github.com/shizukutanaka/autosys/internal/monitoring"
	"github.com/shizukutanaka/autosys/internal/status"
)

// AlertsView is the body of /api/v1/alerts.
type AlertsView struct {
	Version uint64                  `json:"version"`
	Open    []monitoring.AlertEvent `json:"open"`
	Recent  []monitoring.AlertEvent `json:"recent"`
	Counts  status.AlertCounts      `json:"counts"`
}

// BackupsView is the body of /api/v1/backups.
type BackupsView struct {
	Version      uint64       `json:"version"`
	Jobs         []backup.Job `json:"jobs"`
	ActiveJob    *backup.Job  `json:"active_job,omitempty"`
	NextBackupAt *time.Time   `json:"next_backup_at,omitempty"`
}

// HealthView is the body of /api/v1/health.
type HealthView struct {
	Status               string    `json:"status"`
	Version              uint64    `json:"version"`
	UpdatedAt            time.Time `json:"updated_at"`
	Uptime               string    `json:"uptime"`
	LastSampleError      string    `json:"last_sample_error,omitempty"`
	NotificationDegraded bool      `json:"notification_degraded"`
	ConfigStale          bool      `json:"config_stale"`
	CacheHits            int64     `json:"cache_hits"`
}

func alertsView(snap *status.Snapshot) AlertsView {
	return AlertsView{
		Version: snap.Version,
		Open:    snap.OpenAlerts,
		Recent:  snap.RecentAlerts,
		Counts:  snap.AlertCounts,
	}
}

func backupsView(snap *status.Snapshot) BackupsView {
	return BackupsView{
		Version:      snap.Version,
		Jobs:         snap.Jobs,
		ActiveJob:    snap.ActiveJob,
		NextBackupAt: snap.NextBackupAt,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Load()
	s.respondCached(w, "status", snap.Version, func() any { return snap })
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Load()
	s.respondCached(w, "alerts", snap.Version, func() any { return alertsView(snap) })
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Load()
	s.respondCached(w, "backups", snap.Version, func() any { return backupsView(snap) })
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Load()
	state := "ok"
	if snap.LastSampleError != "" || snap.NotificationDegraded || snap.ConfigStale {
		state = "degraded"
	}
	respondJSON(w, http.StatusOK, HealthView{
		Status:               state,
		Version:              snap.Version,
		UpdatedAt:            snap.UpdatedAt,
		Uptime:               time.Since(snap.StartedAt).Round(time.Second).String(),
		LastSampleError:      snap.LastSampleError,
		NotificationDegraded: snap.NotificationDegraded,
		ConfigStale:          snap.ConfigStale,
		CacheHits:            s.cache.stats().Hits,
	})
}

func (s *Server) respondCached(w http.ResponseWriter, view string, version uint64, build func() any) {
	data, err := s.cache.encode(view, version, build)
	if err != nil {
		s.logger.Error("Failed to encode response", zap.String("view", view), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "encoding failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func respondJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}
