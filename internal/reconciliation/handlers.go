package reconciliation

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for reconciliation operations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new reconciliation handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterAdminRoutes sets up the admin ops routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/ops/reconcile", h.Health)
	r.POST("/ops/reconcile", h.Sweep)
	r.GET("/finance/summary", h.FinanceSummary)
}

// RegisterCronRoutes sets up the scheduler-triggered route. The group
// must run behind the cron secret middleware.
func (h *Handler) RegisterCronRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.Sweep)
}

// Health handles GET /admin/ops/reconcile
func (h *Handler) Health(c *gin.Context) {
	health, err := h.service.SweepHealth(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read sweep health", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_error", "message": "Failed to read job health"})
		return
	}
	c.JSON(http.StatusOK, health)
}

// Sweep handles POST /admin/ops/reconcile and POST /internal/reconcile
func (h *Handler) Sweep(c *gin.Context) {
	run, err := h.service.SweepTracked(c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrSweepInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "sweep_in_progress", "message": "A sweep is already running"})
			return
		}
		// The run record carries the failure; report both.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": err.Error(),
			"run":     run,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// FinanceSummary handles GET /admin/finance/summary
func (h *Handler) FinanceSummary(c *gin.Context) {
	summary, err := h.service.FinanceSummary(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to build finance summary", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "finance_error", "message": "Failed to build summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
