package gateway

import (
	"context"
	"net/http"
	"sort"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthResponse is the JSON body returned by GET /api/v1/health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Components    map[string]string `json:"components,omitempty"`
}

// healthHandler reports "ok" when every check passes and "degraded"
// otherwise. Consultations still run degraded, so the status code stays 200.
func healthHandler(checks []HealthCheck, version string, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		resp := HealthResponse{
			Status:        "ok",
			Version:       version,
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
		}
		if len(checks) > 0 {
			resp.Components = make(map[string]string, len(checks))
		}
		sorted := append([]HealthCheck(nil), checks...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
		for _, c := range sorted {
			if err := c.Check(ctx); err != nil {
				resp.Components[c.Name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Components[c.Name] = "ok"
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
