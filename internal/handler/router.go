package handler

import (
	"github.com/gin-gonic/gin"

	"inventory/internal/middleware"
	"inventory/internal/monitor"
)

// NewRouter wires the ops endpoints. The metrics route is mounted only when
// metrics are enabled.
func NewRouter(h *OpsHandler, metrics *monitor.Metrics, metricsPath string) *gin.Engine {
	router := gin.New()

	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())
	router.Use(middleware.Metrics(metrics))

	router.GET("/health", h.Health)
	router.GET("/ping", h.Ping)
	if metrics != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		router.GET(metricsPath, gin.WrapH(metrics.Handler()))
	}

	ops := router.Group("/ops")
	{
		ops.GET("/outbox", h.OutboxBacklog)
		ops.POST("/outbox/retry", h.RetryOutbox)
		ops.POST("/tenants/:tenant/orders/:id/reconcile", h.ReconcileOrder)
	}

	return router
}
