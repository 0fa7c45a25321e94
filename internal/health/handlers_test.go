package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleHealth(t *testing.T) {
	manager := NewManager(nil)
	manager.Register(&mockChecker{name: "test"})
	handler := NewHandler(manager)

	rr := httptest.NewRecorder()
	handler.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", rr.Header().Get("Cache-Control"))

	var response Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, StatusOK, response.Status)
	assert.NotZero(t, response.Timestamp)
	assert.NotEmpty(t, response.Version)
	assert.NotEmpty(t, response.Uptime)
	assert.Contains(t, response.Checks, "test")
}

func TestHandleHealth_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status Status
		code   int
	}{
		{name: "degraded", err: ErrDegraded, status: StatusDegraded, code: http.StatusOK},
		{name: "down", err: assert.AnError, status: StatusDown, code: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager(nil)
			manager.Register(&mockChecker{name: "c", err: tt.err})

			rr := httptest.NewRecorder()
			NewHandler(manager).HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, rr.Code)
			var response Response
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
			assert.Equal(t, tt.status, response.Status)
		})
	}
}

func TestHandleReady(t *testing.T) {
	manager := NewManager(nil)
	checker := &mockChecker{name: "c"}
	manager.Register(checker)
	handler := NewHandler(manager)

	// No results yet, so the first request runs the checks
	rr := httptest.NewRecorder()
	handler.HandleReady(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	var response struct {
		Status Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, StatusOK, response.Status)

	// Later requests report cached results
	checker.err = assert.AnError
	rr = httptest.NewRecorder()
	handler.HandleReady(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleLive(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHandler(NewManager(nil)).HandleLive(rr, httptest.NewRequest(http.MethodGet, "/live", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"alive"`)
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{1500 * time.Millisecond, "2s"},
		{90 * time.Minute, "1h30m0s"},
		{26*time.Hour + 5*time.Second, "1d2h0m5s"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatUptime(tt.in))
	}
}
