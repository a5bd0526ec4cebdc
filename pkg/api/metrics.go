package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/langhook-io/langhook/pkg/metrics"
)

// metricsHandler handles GET /map/metrics: the standard Prometheus text
// exposition format, served by wrapping promhttp.Handler for gin.
func (s *Server) metricsHandler(c *gin.Context) {
	metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// metricsJSONHandler handles GET /map/metrics/json: the gate-token ledger
// dump, for parity with the reference budget surface (SPEC_FULL.md §10.3).
func (s *Server) metricsJSONHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"gate_usage": s.gateLedger.Snapshot()})
}
