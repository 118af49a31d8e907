package jobs

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubQueueInfo struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubQueueInfo) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func serveHealth(t *testing.T, inspector QueueInfoReader) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(inspector, nil).MountRoutes)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	return rr
}

func TestHealthReportsQueueStats(t *testing.T) {
	rr := serveHealth(t, stubQueueInfo{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Scheduled: 12}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"queue":"default","pending":3,"scheduled":12}`, rr.Body.String())
}

func TestHealthWithoutInspector(t *testing.T) {
	rr := serveHealth(t, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"queue":"default","pending":0,"scheduled":0}`, rr.Body.String())
}

func TestHealthQueueUnavailable(t *testing.T) {
	rr := serveHealth(t, stubQueueInfo{err: errors.New("redis down")})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}
