package http

import (
	"net/http"
	"time"

	"github.com/castlegate/casd/internal/cas/registry"
	"github.com/castlegate/casd/pkg/casapi"
	"github.com/castlegate/casd/pkg/httpx"
)

// ReadyzHandler godoc
//
//	@Summary		Readiness Check Endpoint
//	@Description	Readiness probe endpoint returning service health status and a check of the ticket registry
//	@Tags			Health
//	@Produce		json
//	@Success		200	{object}	casapi.HealthResponse	"status, uptime, version, checks"
//	@Failure		503	{object}	casapi.HealthResponse	"status, uptime, version, checks - service not ready"
//	@Router			/readyz [get].
func ReadyzHandler(startTime time.Time, version string, reg registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := &casapi.HealthChecks{
			Registry: "ok",
		}
		overallStatus := "ok"
		statusCode := http.StatusOK

		if err := reg.Ping(r.Context()); err != nil {
			checks.Registry = "error: " + err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		response := casapi.HealthResponse{
			Status:  overallStatus,
			Uptime:  time.Since(startTime).String(),
			Version: version,
			Checks:  checks,
		}
		httpx.WriteJSON(w, statusCode, response)
	}
}
