package registry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noivos/giftpay/internal/idgen"
)

// Handler provides HTTP endpoints for the gift catalog.
type Handler struct {
	store Store
}

// NewHandler creates a new catalog handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/gifts", h.CreateGift)
	r.GET("/gifts", h.ListGifts)
	r.GET("/gifts/:id", h.GetGift)
}

// CreateGiftRequest is the HTTP payload for catalog entry creation.
type CreateGiftRequest struct {
	Name              string `json:"name" binding:"required"`
	Description       string `json:"description"`
	PriceCents        int64  `json:"priceCents" binding:"required"`
	QuantityAvailable int    `json:"quantityAvailable" binding:"required"`
}

// CreateGift handles POST /v1/gifts
func (h *Handler) CreateGift(c *gin.Context) {
	tenantID := c.GetHeader("X-Tenant-ID")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_tenant",
			"message": "X-Tenant-ID header is required",
		})
		return
	}

	var req CreateGiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: name, priceCents and quantityAvailable are required",
		})
		return
	}

	if req.PriceCents < 0 || req.QuantityAvailable < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "priceCents and quantityAvailable must be non-negative",
		})
		return
	}

	now := time.Now()
	gift := &GiftItem{
		ID:                idgen.WithPrefix("gift_"),
		TenantID:          tenantID,
		Name:              req.Name,
		Description:       req.Description,
		PriceCents:        req.PriceCents,
		QuantityAvailable: req.QuantityAvailable,
		IsEnabled:         req.QuantityAvailable > 0,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := h.store.Create(c.Request.Context(), gift); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create gift"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"gift": gift})
}

// GetGift handles GET /v1/gifts/:id
func (h *Handler) GetGift(c *gin.Context) {
	gift, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrGiftNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Gift not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"gift": gift})
}

// ListGifts handles GET /v1/gifts
func (h *Handler) ListGifts(c *gin.Context) {
	tenantID := c.GetHeader("X-Tenant-ID")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_tenant",
			"message": "X-Tenant-ID header is required",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	gifts, err := h.store.ListByTenant(c.Request.Context(), tenantID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"gifts": gifts, "count": len(gifts)})
}
