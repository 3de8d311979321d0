package escrow

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradebay/tradebay/internal/validation"
	"github.com/tradebay/tradebay/internal/wallet"
)

// Handler provides HTTP endpoints for the listing purchase lifecycle
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new escrow handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up listing routes behind the identity middleware
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
	r.GET("/listings/:id", h.GetListing)
	r.POST("/listings/:id/hide", h.Hide)
	r.POST("/listings/:id/unhide", h.Unhide)
	r.POST("/listings/:id/purchase", h.Purchase)
	r.POST("/listings/:id/confirm", h.Confirm)
}

type createListingRequest struct {
	Title     string `json:"title" binding:"required"`
	PriceFiat int64  `json:"priceFiat" binding:"required"`
	SaleType  string `json:"saleType"`
}

// CreateListing handles POST /listings
func (h *Handler) CreateListing(c *gin.Context) {
	userID := c.GetString("userID")

	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	l, err := h.service.CreateListing(c.Request.Context(), userID,
		validation.SanitizeString(req.Title, 200), req.PriceFiat, SaleType(req.SaleType))
	if err != nil {
		if errors.Is(err, ErrInvalidPrice) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_price", "message": err.Error()})
			return
		}
		h.logger.Error("failed to create listing", "seller_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_error", "message": "Failed to create listing"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

// GetListing handles GET /listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.service.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "listing_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// Hide handles POST /listings/:id/hide
func (h *Handler) Hide(c *gin.Context) {
	h.setHidden(c, true)
}

// Unhide handles POST /listings/:id/unhide
func (h *Handler) Unhide(c *gin.Context) {
	h.setHidden(c, false)
}

func (h *Handler) setHidden(c *gin.Context, hidden bool) {
	userID := c.GetString("userID")
	id := c.Param("id")

	l, err := h.service.GetListing(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "listing_error")
		return
	}
	if l.SellerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only the seller can change visibility"})
		return
	}

	if hidden {
		l, err = h.service.Hide(c.Request.Context(), id)
	} else {
		l, err = h.service.Unhide(c.Request.Context(), id)
	}
	if err != nil {
		h.respondError(c, err, "listing_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

type purchaseRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
}

// Purchase handles POST /listings/:id/purchase
func (h *Handler) Purchase(c *gin.Context) {
	userID := c.GetString("userID")

	var req purchaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	if req.IdempotencyKey != "" && !validation.IsValidIdempotencyKey(req.IdempotencyKey) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_idempotency_key",
			"message": "Idempotency key must be 8-120 chars of [a-zA-Z0-9:_-]",
		})
		return
	}

	res, err := h.service.Reserve(c.Request.Context(), c.Param("id"), userID, req.IdempotencyKey)
	if err != nil {
		h.respondError(c, err, "purchase_error")
		return
	}
	c.JSON(http.StatusOK, res)
}

// Confirm handles POST /listings/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	userID := c.GetString("userID")

	st, err := h.service.Confirm(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondError(c, err, "confirm_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": st})
}

func (h *Handler) respondError(c *gin.Context, err error, fallback string) {
	RespondError(c, h.logger, err, fallback)
}

// RespondError maps escrow domain errors onto the API error envelope. The
// dispute handlers reuse it since resolution goes through the same
// settlement paths.
func RespondError(c *gin.Context, logger *slog.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
	case errors.Is(err, ErrSelfTrade),
		errors.Is(err, ErrNotPurchasable),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, ErrInvalidPrice):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_purchase", "message": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": err.Error()})
	case errors.Is(err, wallet.ErrDailyAmountExceeded), errors.Is(err, wallet.ErrDailyOpsExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "daily_limit_exceeded", "message": err.Error()})
	case errors.Is(err, wallet.ErrIdempotencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "idempotency_conflict", "message": err.Error()})
	case errors.Is(err, ErrNotBuyer), errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrNotActive),
		errors.Is(err, ErrNotReserved),
		errors.Is(err, ErrAlreadySold),
		errors.Is(err, ErrDisputed):
		c.JSON(http.StatusConflict, gin.H{"error": "state_conflict", "message": err.Error()})
	default:
		logger.Error("escrow operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback, "message": "Internal error"})
	}
}
