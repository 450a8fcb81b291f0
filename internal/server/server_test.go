package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/noivos/giftpay/internal/config"
	"github.com/noivos/giftpay/internal/psp"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubGateway implements payments.GatewayClient for testing
type stubGateway struct {
	calls atomic.Int64
}

func (g *stubGateway) Charge(ctx context.Context, req psp.ChargeRequest) (*psp.ChargeResult, error) {
	n := g.calls.Add(1)
	return &psp.ChargeResult{
		GatewayTransactionID: fmt.Sprintf("gw_%d", n),
		Status:               "pending",
	}, nil
}

// testConfig returns a minimal config for testing (in-memory storage)
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		GatewayProvider: "http",
		GatewayBaseURL:  "http://localhost:9999",
		WebhookSecret:   "test-secret",
		FeeBPS:          500,
		FeeModality:     "couple_pays",
	}
}

// newTestServer creates a server with a stub gateway and in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithGateway(&stubGateway{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/gifts",
		"GET:/v1/gifts/:id",
		"POST:/v1/gifts/:id/charges",
		"GET:/v1/gifts/:id/transactions",
		"GET:/v1/transactions/:id",
		"POST:/webhooks/payment-gateway",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// End-to-end charge through the router
// ---------------------------------------------------------------------------

func TestChargeThroughRouter(t *testing.T) {
	s := newTestServer(t)

	// Create a gift
	body := `{"name":"Stand Mixer","priceCents":45000,"quantityAvailable":2}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/gifts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-1")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating gift, got %d: %s", w.Code, w.Body.String())
	}

	var giftResp struct {
		Gift struct {
			ID string `json:"id"`
		} `json:"gift"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &giftResp); err != nil {
		t.Fatalf("Failed to parse gift response: %v", err)
	}

	// Charge it
	chargeBody := `{"method":"pix","payer_name":"Ana","payer_email":"ana@example.com"}`
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/gifts/"+giftResp.Gift.ID+"/charges", strings.NewReader(chargeBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-1")
	req.Header.Set("Idempotency-Key", "key-1")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating charge, got %d: %s", w.Code, w.Body.String())
	}

	var chargeResp struct {
		Transaction struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &chargeResp); err != nil {
		t.Fatalf("Failed to parse charge response: %v", err)
	}
	if chargeResp.Transaction.Status != "pending" {
		t.Errorf("Expected pending transaction, got %s", chargeResp.Transaction.Status)
	}

	if id := w.Header().Get("X-Request-ID"); id == "" {
		t.Error("Expected X-Request-ID header on response")
	}
}

// ---------------------------------------------------------------------------
// Gateway selection
// ---------------------------------------------------------------------------

func TestNewRequiresGatewayBaseURL(t *testing.T) {
	cfg := testConfig()
	cfg.GatewayBaseURL = ""

	if _, err := New(cfg); err == nil {
		t.Error("Expected error when http provider has no base URL")
	}
}

func TestNewStripeRequiresAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.GatewayProvider = "stripe"
	cfg.StripeAPIKey = ""

	if _, err := New(cfg); err == nil {
		t.Error("Expected error when stripe provider has no API key")
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
