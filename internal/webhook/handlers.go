package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxBodySize caps webhook payloads at 64 KiB.
const maxBodySize = 64 << 10

// Handler exposes the gateway webhook endpoint.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a webhook handler.
func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterRoutes sets up the webhook route. The endpoint is unauthenticated;
// the HMAC signature is the authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payment-gateway", h.Receive)
}

// Receive handles POST /webhooks/payment-gateway
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Could not read request body",
		})
		return
	}

	err = h.reconciler.Handle(c.Request.Context(), body,
		c.GetHeader("X-Gateway-Signature"), c.ClientIP())

	switch {
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
	case errors.Is(err, ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Payload is malformed or missing required fields",
		})
	case err != nil:
		// Transient failure: the gateway should retry this delivery.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Delivery could not be processed, please retry",
		})
	default:
		c.Status(http.StatusNoContent)
	}
}
