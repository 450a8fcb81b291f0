package payments

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noivos/giftpay/internal/psp"
	"github.com/noivos/giftpay/internal/validation"
)

// Handler provides HTTP endpoints for payment operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/gifts/:id/charges", h.CreateCharge)
	r.GET("/gifts/:id/transactions", h.ListGiftTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
}

// CreateChargeRequest is the body of POST /v1/gifts/:id/charges.
type CreateChargeRequest struct {
	Method     string `json:"method" binding:"required,oneof=card pix"`
	PayerName  string `json:"payer_name" binding:"required,max=255"`
	PayerEmail string `json:"payer_email" binding:"required,email,max=255"`
	CardToken  string `json:"card_token" binding:"max=255"`
}

// CreateCharge handles POST /v1/gifts/:id/charges
func (h *Handler) CreateCharge(c *gin.Context) {
	tenantID := c.GetHeader("X-Tenant-ID")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_tenant",
			"message": "X-Tenant-ID header is required",
		})
		return
	}

	var req CreateChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	txn, created, err := h.service.Charge(c.Request.Context(), ChargeInput{
		TenantID:       tenantID,
		GiftID:         c.Param("id"),
		Method:         PaymentMethod(req.Method),
		PayerName:      validation.SanitizeString(req.PayerName, 255),
		PayerEmail:     validation.SanitizeString(req.PayerEmail, 255),
		CardToken:      req.CardToken,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})

	if err != nil {
		var pspErr *psp.Error
		switch {
		case errors.Is(err, ErrGiftUnavailable):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "gift_unavailable",
				"message": "This gift is disabled or sold out",
			})
		case errors.As(err, &pspErr):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":       "payment_declined",
				"message":     pspErr.Message,
				"code":        pspErr.Code,
				"transaction": txn,
			})
		case errors.Is(err, ErrGatewayUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":       "gateway_unavailable",
				"message":     "The payment gateway is temporarily unavailable, retry with the same Idempotency-Key",
				"transaction": txn,
			})
		case txn != nil:
			// Charge outcome unknown: surface the pending transaction so
			// the client can poll it.
			c.JSON(http.StatusBadGateway, gin.H{
				"error":       "gateway_error",
				"message":     "The payment gateway did not answer, the charge may still settle",
				"transaction": txn,
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No transaction with this ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListGiftTransactions handles GET /v1/gifts/:id/transactions
func (h *Handler) ListGiftTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	txns, err := h.service.ListByGift(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}
