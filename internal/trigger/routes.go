package trigger

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brightloom/stagehand/internal/health"
	"github.com/brightloom/stagehand/internal/stageerr"
)

// RegisterRoutes mounts the trigger endpoint, health checks, and the
// Prometheus metrics scrape target onto router.
func RegisterRoutes(router *gin.Engine, srv *Server, healthHandler *health.Handler) {
	router.POST("/v1/sessions/trigger", srv.triggerHandler)
	router.GET("/healthz", gin.WrapF(healthHandler.Healthz))
	router.GET("/readyz", gin.WrapF(healthHandler.Readyz))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) triggerHandler(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.Handle(c.Request.Context(), req)
	if err != nil {
		kind := stageerr.Classify(err)
		s.metrics.RecordErrorKind(c.Request.Context(), string(kind))
		c.JSON(kind.HTTPStatus(), gin.H{"error": err.Error(), "kind": string(kind)})
		return
	}

	c.JSON(http.StatusOK, resp)
}
