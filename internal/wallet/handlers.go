package wallet

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradebay/tradebay/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up wallet routes. The group must run behind the
// identity middleware so userID is present on the context.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.POST("/wallet/topup", h.TopUp)
}

// RegisterProviderRoutes sets up the payment-provider callback. It is
// authenticated by the provider secret, not by user identity.
func (h *Handler) RegisterProviderRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/topup/complete", h.CompleteTopUp)
}

// GetWallet handles GET /wallet
func (h *Handler) GetWallet(c *gin.Context) {
	userID := c.GetString("userID")

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	w, txs, next, err := h.service.History(c.Request.Context(), userID, c.Query("cursor"), limit)
	if err != nil {
		if errors.Is(err, ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Pagination cursor is malformed",
			})
			return
		}
		h.logger.Error("failed to load wallet", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to load wallet",
		})
		return
	}

	resp := gin.H{
		"wallet":       w,
		"transactions": txs,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

type topUpRequest struct {
	Amount         int64  `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// TopUp handles POST /wallet/topup
func (h *Handler) TopUp(c *gin.Context) {
	userID := c.GetString("userID")

	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.IdempotencyKey != "" && !validation.IsValidIdempotencyKey(req.IdempotencyKey) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_idempotency_key",
			"message": "Idempotency key must be 8-120 chars of [a-zA-Z0-9:_-]",
		})
		return
	}

	result, err := h.service.StartTopUp(c.Request.Context(), userID, req.Amount, req.IdempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		case errors.Is(err, ErrDailyAmountExceeded), errors.Is(err, ErrDailyOpsExceeded):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "daily_limit_exceeded", "message": err.Error()})
		case errors.Is(err, ErrIdempotencyConflict):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "idempotency_conflict",
				"message": "Idempotency key was already used with a different amount",
			})
		default:
			h.logger.Error("failed to start top-up", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "topup_error", "message": "Failed to start top-up"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction":      result.Transaction,
		"alreadyCompleted": result.AlreadyCompleted,
	})
}

type completeTopUpRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	ProviderRef   string `json:"providerRef" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
}

// CompleteTopUp handles POST /wallet/topup/complete
func (h *Handler) CompleteTopUp(c *gin.Context) {
	var req completeTopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	tx, err := h.service.CompleteTopUp(c.Request.Context(), req.TransactionID, req.ProviderRef, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Unknown transaction"})
		case errors.Is(err, ErrProviderRefMismatch):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "provider_ref_mismatch",
				"message": "Transaction was settled under a different provider reference",
			})
		case errors.Is(err, ErrAmountMismatch):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "amount_mismatch",
				"message": "Confirmed amount does not match the pending top-up",
			})
		default:
			h.logger.Error("failed to complete top-up",
				"transaction_id", req.TransactionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "topup_error", "message": "Failed to complete top-up"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}
