package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketpipe/internal/pipeline"
)

type stubRunner struct {
	summary   pipeline.Summary
	err       error
	delay     time.Duration
	healthErr error
}

func (s *stubRunner) RunDaily(ctx context.Context, opts pipeline.Options) (pipeline.Summary, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.summary, s.err
}

func (s *stubRunner) HealthCheck(ctx context.Context) error {
	return s.healthErr
}

func TestHandleHealthz_ReportsOK(t *testing.T) {
	s := New(Config{Log: zerolog.Nop(), Runner: &stubRunner{}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHandleHealthz_ReportsDegradedOnDBFailure(t *testing.T) {
	s := New(Config{Log: zerolog.Nop(), Runner: &stubRunner{healthErr: errors.New("database is locked")}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestHandleLatestRun_404BeforeAnyRun(t *testing.T) {
	s := New(Config{Log: zerolog.Nop(), Runner: &stubRunner{}})

	req := httptest.NewRequest(http.MethodGet, "/runs/latest", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleLatestRun_ReturnsSetSummary(t *testing.T) {
	s := New(Config{Log: zerolog.Nop(), Runner: &stubRunner{}})
	s.SetLatest(pipeline.Summary{HaltReason: "none"})

	req := httptest.NewRequest(http.MethodGet, "/runs/latest", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"HaltReason":"none"`)
}

func TestHandleTriggerRun_RejectsOverlappingRuns(t *testing.T) {
	s := New(Config{Log: zerolog.Nop(), Runner: &stubRunner{delay: 50 * time.Millisecond}})

	first := httptest.NewRecorder()
	s.Handler().ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/runs/", nil))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	s.Handler().ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/runs/", nil))
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestHandleTriggerRun_FailedRunLeavesLatestUnset(t *testing.T) {
	s := New(Config{Log: zerolog.Nop(), Runner: &stubRunner{err: errors.New("boom")}})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	time.Sleep(20 * time.Millisecond)

	latestReq := httptest.NewRequest(http.MethodGet, "/runs/latest", nil)
	latestRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(latestRec, latestReq)
	assert.Equal(t, http.StatusNotFound, latestRec.Code)
}
