package handler

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"inventory/internal/model"
	"inventory/internal/repository"
	"inventory/pkg/log"
	"inventory/pkg/utils"
)

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Reconciler re-aggregates an order on demand
type Reconciler interface {
	ReconcileOrder(ctx context.Context, tenantID, orderID uint64) (model.OrderStatus, error)
}

// Requeuer returns failed outbox rows to the pending queue
type Requeuer interface {
	RetryFailed(ctx context.Context) (int64, error)
}

// OpsHandler serves the operational endpoints of the worker process
type OpsHandler struct {
	checks       map[string]HealthCheck
	outbox       repository.OutboxRepository
	reconciler   Reconciler
	requeuer     Requeuer
	checkTimeout time.Duration
}

// NewOpsHandler creates the ops handler
func NewOpsHandler(outbox repository.OutboxRepository, reconciler Reconciler, requeuer Requeuer) *OpsHandler {
	return &OpsHandler{
		checks:       make(map[string]HealthCheck),
		outbox:       outbox,
		reconciler:   reconciler,
		requeuer:     requeuer,
		checkTimeout: 3 * time.Second,
	}
}

// AddCheck registers a named dependency probe
func (h *OpsHandler) AddCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// Health runs every check and answers 503 when any fails
func (h *OpsHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.checkTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			log.WithFields(map[string]interface{}{
				"check": name,
				"error": err.Error(),
			}).Warn("Health check failed")
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":    overall,
		"checks":    results,
		"timestamp": time.Now().Unix(),
	})
}

// Ping liveness probe
func (h *OpsHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// OutboxBacklog reports outbox rows per status
func (h *OpsHandler) OutboxBacklog(c *gin.Context) {
	counts, err := h.outbox.CountByStatus(c.Request.Context())
	if err != nil {
		utils.ErrorResponse(c, utils.NewErrorWithErr(utils.CodeDatabaseError, "count outbox events", err))
		return
	}

	backlog := map[model.OutboxStatus]int64{
		model.OutboxPending:   0,
		model.OutboxCompleted: 0,
		model.OutboxFailed:    0,
	}
	for status, n := range counts {
		backlog[status] = n
	}
	utils.SuccessResponse(c, backlog)
}

// RetryOutbox requeues failed outbox rows that still have attempts left
func (h *OpsHandler) RetryOutbox(c *gin.Context) {
	n, err := h.requeuer.RetryFailed(c.Request.Context())
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"requeued": n})
}

// ReconcileOrder re-aggregates one order's shipments
func (h *OpsHandler) ReconcileOrder(c *gin.Context) {
	tenantID, err := strconv.ParseUint(c.Param("tenant"), 10, 64)
	if err != nil {
		utils.Error(c, utils.CodeInvalidParam, "invalid tenant id")
		return
	}
	orderID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		utils.Error(c, utils.CodeInvalidParam, "invalid order id")
		return
	}

	status, err := h.reconciler.ReconcileOrder(c.Request.Context(), tenantID, orderID)
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"order_id": orderID, "status": status})
}
