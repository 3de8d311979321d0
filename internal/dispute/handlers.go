package dispute

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradebay/tradebay/internal/escrow"
	"github.com/tradebay/tradebay/internal/validation"
)

// Handler provides HTTP endpoints for dispute cases
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new dispute handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up the user-facing dispute routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/listings/:id/dispute", h.Open)
	r.GET("/listings/:id/dispute", h.GetByListing)
}

// RegisterAdminRoutes sets up the admin review queue routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.Queue)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/review", h.MarkInReview)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

type openRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Open handles POST /listings/:id/dispute
func (h *Handler) Open(c *gin.Context) {
	userID := c.GetString("userID")

	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidReason(req.Reason) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_reason",
			"message": "Reason must be 4-500 characters",
		})
		return
	}

	dc, err := h.service.Open(c.Request.Context(), c.Param("id"), userID,
		validation.SanitizeString(req.Reason, validation.MaxReasonLength))
	if err != nil {
		escrow.RespondError(c, h.logger, err, "dispute_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": dc})
}

// GetByListing handles GET /listings/:id/dispute
func (h *Handler) GetByListing(c *gin.Context) {
	dc, err := h.service.GetByListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": dc})
}

// Queue handles GET /admin/disputes
func (h *Handler) Queue(c *gin.Context) {
	status := Status(c.Query("status"))
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be an integer"})
			return
		}
		limit = n
	}

	cases, err := h.service.Queue(c.Request.Context(), status, limit)
	if err != nil {
		h.logger.Error("failed to list dispute cases", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispute_error", "message": "Failed to list cases"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cases": cases, "count": len(cases)})
}

// Get handles GET /admin/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	dc, events, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": dc, "events": events})
}

// MarkInReview handles POST /admin/disputes/:id/review
func (h *Handler) MarkInReview(c *gin.Context) {
	adminID := c.GetString("userID")

	dc, err := h.service.MarkInReview(c.Request.Context(), c.Param("id"), adminID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": dc})
}

type resolveRequest struct {
	Outcome  string `json:"outcome" binding:"required"`
	Template string `json:"template"`
	Note     string `json:"note"`
}

// Resolve handles POST /admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	adminID := c.GetString("userID")

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	res, err := h.service.Resolve(c.Request.Context(), c.Param("id"), adminID,
		Outcome(req.Outcome), validation.SanitizeString(req.Template, 64),
		validation.SanitizeString(req.Note, validation.MaxReasonLength))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrCaseNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute case not found"})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": err.Error()})
	case errors.Is(err, ErrInvalidOutcome):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_outcome", "message": "Outcome must be RELEASE or REFUND"})
	default:
		escrow.RespondError(c, h.logger, err, "dispute_error")
	}
}
