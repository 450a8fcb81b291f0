package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noivos/giftpay/internal/payments"
)

func setupWebhookRouter(t *testing.T) (*gin.Engine, *Reconciler, *payments.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r, svc, _ := newTestReconciler(t)

	router := gin.New()
	NewHandler(r).RegisterRoutes(router.Group("/webhooks"))
	return router, r, svc
}

func post(router *gin.Engine, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment-gateway", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set("X-Gateway-Signature", sig)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestReceive_Success(t *testing.T) {
	router, r, svc := setupWebhookRouter(t)
	txn := charge(t, svc)

	body, _ := json.Marshal(event(txn.GatewayTransactionID, "paid"))
	w := post(router, body, r.verifier.Sign(body))

	assert.Equal(t, http.StatusNoContent, w.Code)

	got, err := svc.Get(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusConfirmed, got.Status)
}

func TestReceive_MissingSignature(t *testing.T) {
	router, _, svc := setupWebhookRouter(t)
	txn := charge(t, svc)

	body, _ := json.Marshal(event(txn.GatewayTransactionID, "paid"))
	w := post(router, body, "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")
}

func TestReceive_InvalidPayload(t *testing.T) {
	router, r, _ := setupWebhookRouter(t)

	body := []byte(`{"status":"paid"}`)
	w := post(router, body, r.verifier.Sign(body))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_payload")
}

func TestReceive_DuplicateDelivery(t *testing.T) {
	router, r, svc := setupWebhookRouter(t)
	txn := charge(t, svc)

	body, _ := json.Marshal(event(txn.GatewayTransactionID, "paid"))
	sig := r.verifier.Sign(body)

	assert.Equal(t, http.StatusNoContent, post(router, body, sig).Code)
	assert.Equal(t, http.StatusNoContent, post(router, body, sig).Code)
}
