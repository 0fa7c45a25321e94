package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zsiec/rcvbuf/pkg/version"
)

const healthRequestTimeout = 10 * time.Second

// Response represents the health check response.
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]*Check `json:"checks,omitempty"`
}

// Handler serves the health endpoints.
type Handler struct {
	manager   *Manager
	startTime time.Time
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{
		manager:   manager,
		startTime: time.Now(),
	}
}

// HandleHealth runs every check and reports the results. Degraded is still 200.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthRequestTimeout)
	defer cancel()

	checks := h.manager.RunChecks(ctx)
	status := h.manager.GetOverallStatus()

	h.writeJSON(w, statusCode(status), Response{
		Status:    status,
		Timestamp: time.Now(),
		Version:   version.Version,
		Uptime:    formatUptime(time.Since(h.startTime)),
		Checks:    checks,
	})
}

// HandleReady reports the status of the most recent checks without running
// them again, unless none have run yet.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if len(h.manager.GetResults()) == 0 {
		ctx, cancel := context.WithTimeout(r.Context(), healthRequestTimeout)
		h.manager.RunChecks(ctx)
		cancel()
	}
	status := h.manager.GetOverallStatus()

	h.writeJSON(w, statusCode(status), struct {
		Status    Status    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}{
		Status:    status,
		Timestamp: time.Now(),
	})
}

// HandleLive answers as long as the process serves HTTP.
func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}{
		Status:    "alive",
		Timestamp: time.Now(),
	})
}

func statusCode(s Status) int {
	if s == StatusDown {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// formatUptime rounds to whole seconds and prefixes a day count once the
// uptime passes 24h, e.g. "2d3h4m5s".
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	const day = 24 * time.Hour
	if d < day {
		return d.String()
	}
	return fmt.Sprintf("%dd%s", d/day, d%day)
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.manager.logger.WithError(err).Error("Failed to encode health response")
	}
}
