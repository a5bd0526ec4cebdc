package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/langhook-io/langhook/pkg/database"
)

// healthResponse is the GET /health/ response body (§6): liveness plus a
// component roll-up so an operator can tell database/stream trouble apart
// from "the process itself is down".
type healthResponse struct {
	Status          string                 `json:"status"`
	Version         string                 `json:"version"`
	Database        *database.HealthStatus `json:"database,omitempty"`
	Stream          string                 `json:"stream"`
	ActiveConsumers int                    `json:"active_consumers"`
}

func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := &healthResponse{Status: "healthy", Version: s.version}

	dbHealth, err := database.Health(reqCtx, s.db)
	resp.Database = dbHealth
	if err != nil {
		resp.Status = "unhealthy"
	}

	if s.stream != nil && s.stream.Connected() {
		resp.Stream = "connected"
	} else {
		resp.Stream = "disconnected"
		resp.Status = "degraded"
	}

	if s.supervisor != nil {
		resp.ActiveConsumers = s.supervisor.Running()
	}

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
