package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rebound-engine/rebound/pkg/breaker"
	"github.com/rebound-engine/rebound/pkg/config"
	apperrors "github.com/rebound-engine/rebound/pkg/errors"
	"github.com/rebound-engine/rebound/pkg/health"
	"github.com/rebound-engine/rebound/pkg/logging"
	"github.com/rebound-engine/rebound/pkg/types"
)

type stubEngine struct {
	snapshots map[string]breaker.Snapshot
	cleared   []string
}

func (s *stubEngine) GetCircuitState(operationKey string) breaker.Snapshot {
	if snap, ok := s.snapshots[operationKey]; ok {
		return snap
	}
	return breaker.Snapshot{OperationKey: operationKey, State: "CLOSED"}
}

func (s *stubEngine) CircuitStates() []breaker.Snapshot {
	out := make([]breaker.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	return out
}

func (s *stubEngine) GetAnalytics(ctx context.Context, operationKey string) (*types.AnalyticsSummary, error) {
	if operationKey == "broken" {
		return nil, apperrors.NewUnknownError("store unavailable")
	}
	return &types.AnalyticsSummary{OperationKey: operationKey, TotalAttempts: 12, TotalFailures: 4}, nil
}

func (s *stubEngine) ClearBlacklist(ctx context.Context, operationKey, strategyID string) error {
	s.cleared = append(s.cleared, operationKey+"/"+strategyID)
	return nil
}

type stubBlacklist struct{}

func (s *stubBlacklist) BlacklistedStrategies(ctx context.Context, operationKey string) ([]string, error) {
	return []string{"scrape:html"}, nil
}

func newTestRouter(t *testing.T) (*stubEngine, http.Handler) {
	t.Helper()
	eng := &stubEngine{snapshots: map[string]breaker.Snapshot{
		"weather-api": {OperationKey: "weather-api", State: "OPEN", ConsecutiveFailures: 5},
	}}

	cfg := &config.Config{Logging: config.LoggingConfig{Level: "info"}}
	healthService := health.NewService(logging.GetLogger(), nil)
	router := NewRouter(cfg, NewHandler(eng, &stubBlacklist{}), healthService, nil, nil, logging.GetLogger())
	return eng, router
}

func doRequest(t *testing.T, router http.Handler, method, path string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestGetCircuit(t *testing.T) {
	_, router := newTestRouter(t)

	rec, body := doRequest(t, router, http.MethodGet, "/api/v1/circuits/weather-api")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)

	data := body.Data.(map[string]interface{})
	assert.Equal(t, "weather-api", data["operation_key"])
	assert.Equal(t, "OPEN", data["state"])
	assert.Equal(t, float64(5), data["consecutive_failures"])
}

func TestGetCircuit_UnknownKeyIsClosed(t *testing.T) {
	_, router := newTestRouter(t)

	rec, body := doRequest(t, router, http.MethodGet, "/api/v1/circuits/never-seen")
	assert.Equal(t, http.StatusOK, rec.Code)
	data := body.Data.(map[string]interface{})
	assert.Equal(t, "CLOSED", data["state"])
}

func TestListCircuits(t *testing.T) {
	_, router := newTestRouter(t)

	rec, body := doRequest(t, router, http.MethodGet, "/api/v1/circuits")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.Len(t, body.Data, 1)
}

func TestGetAnalytics(t *testing.T) {
	_, router := newTestRouter(t)

	rec, body := doRequest(t, router, http.MethodGet, "/api/v1/analytics/weather-api")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := body.Data.(map[string]interface{})
	assert.Equal(t, float64(12), data["total_attempts"])
	assert.Equal(t, float64(4), data["total_failures"])
}

func TestGetAnalytics_StoreError(t *testing.T) {
	_, router := newTestRouter(t)

	rec, body := doRequest(t, router, http.MethodGet, "/api/v1/analytics/broken")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
}

func TestListBlacklist(t *testing.T) {
	_, router := newTestRouter(t)

	rec, body := doRequest(t, router, http.MethodGet, "/api/v1/blacklist/weather-api")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := body.Data.(map[string]interface{})
	assert.Equal(t, []interface{}{"scrape:html"}, data["strategy_ids"])
}

func TestClearBlacklist(t *testing.T) {
	eng, router := newTestRouter(t)

	rec, body := doRequest(t, router, http.MethodDelete, "/api/v1/blacklist/weather-api/scrape:html")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.Equal(t, []string{"weather-api/scrape:html"}, eng.cleared)
}

func TestRequestIDPropagation(t *testing.T) {
	_, router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/circuits", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	var body APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "req-42", body.RequestID)
}

func TestHealthEndpoints(t *testing.T) {
	_, router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
