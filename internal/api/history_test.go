package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizukutanaka/autosys/internal/backup"
	"github.com/shizukutanaka/autosys/internal/history"
	"github.com/shizukutanaka/autosys/internal/monitoring"
)

type fakeHistory struct {
	samples  []monitoring.Sample
	jobs     map[string]backup.Job
	err      error
	gotSince time.Time
	gotLimit int
	lookedUp []string
}

func (f *fakeHistory) SamplesSince(_ context.Context, since time.Time, limit int) ([]monitoring.Sample, error) {
	f.gotSince, f.gotLimit = since, limit
	if f.err != nil {
		return nil, f.err
	}
	var out []monitoring.Sample
	for _, s := range f.samples {
		if !s.Timestamp.Before(since) && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeHistory) Job(_ context.Context, id string) (backup.Job, error) {
	f.lookedUp = append(f.lookedUp, id)
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return backup.Job{}, fmt.Errorf("job %s: %w", id, history.ErrNotFound)
}

func TestSamplesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	now := time.Now()
	h := &fakeHistory{samples: []monitoring.Sample{
		{Timestamp: now.Add(-time.Minute), CPUPercent: 42},
		{Timestamp: now.Add(-2 * time.Hour), CPUPercent: 17},
	}}
	srv.WithHistory(h)

	rec := get(t, srv.Handler(), "/api/v1/samples", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view SamplesView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "1h", view.Period)
	require.Equal(t, 1, view.Total)
	assert.Equal(t, 42.0, view.Samples[0].CPUPercent)
	assert.Equal(t, defaultSampleLimit, h.gotLimit)
	assert.WithinDuration(t, now.Add(-time.Hour), h.gotSince, 5*time.Second)

	rec = get(t, srv.Handler(), "/api/v1/samples?period=24h&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 1, view.Total)
	assert.Equal(t, 1, h.gotLimit)

	rec = get(t, srv.Handler(), "/api/v1/samples?period=all&limit=999999", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all SamplesView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Equal(t, 2, all.Total)
	assert.Nil(t, all.Since)
	assert.True(t, h.gotSince.IsZero())
	assert.Equal(t, maxSampleLimit, h.gotLimit)
}

func TestSamplesEndpointRejectsBadQuery(t *testing.T) {
	srv, _ := newTestServer(t, "")
	srv.WithHistory(&fakeHistory{})

	assert.Equal(t, http.StatusBadRequest, get(t, srv.Handler(), "/api/v1/samples?period=2w", "").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv.Handler(), "/api/v1/samples?limit=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv.Handler(), "/api/v1/samples?limit=x", "").Code)
}

func TestSamplesEndpointWithoutHistory(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := get(t, srv.Handler(), "/api/v1/samples", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "history is disabled")
}

func TestSamplesEndpointHistoryError(t *testing.T) {
	srv, _ := newTestServer(t, "")
	srv.WithHistory(&fakeHistory{err: errors.New("database is locked")})
	assert.Equal(t, http.StatusInternalServerError, get(t, srv.Handler(), "/api/v1/samples", "").Code)
}

func TestBackupDetail(t *testing.T) {
	srv, store := newTestServer(t, "")
	store.RecordJob(backup.Job{ID: "live", Status: backup.StatusSucceeded, Artifact: "/b/backup_1.tar.gz"})
	h := &fakeHistory{jobs: map[string]backup.Job{
		"old": {ID: "old", Status: backup.StatusFailed, Error: "disk full"},
	}}
	srv.WithHistory(h)

	var job backup.Job
	rec := get(t, srv.Handler(), "/api/v1/backups/live", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "/b/backup_1.tar.gz", job.Artifact)
	assert.Empty(t, h.lookedUp)

	rec = get(t, srv.Handler(), "/api/v1/backups/old", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, backup.StatusFailed, job.Status)
	assert.Equal(t, "disk full", job.Error)

	rec = get(t, srv.Handler(), "/api/v1/backups/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "backup not found")
}

func TestBackupDetailRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	assert.Equal(t, http.StatusUnauthorized, get(t, srv.Handler(), "/api/v1/backups/x", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, srv.Handler(), "/api/v1/samples", "").Code)
}
