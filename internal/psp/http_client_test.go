package psp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClient_Charge_Success(t *testing.T) {
	var gotAuth string
	var gotReq ChargeRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/charges" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ChargeResult{
			GatewayTransactionID: "gw_123",
			Status:               "pending",
			PixQRCode:            "00020126...",
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-key", 5*time.Second)
	result, err := c.Charge(context.Background(), ChargeRequest{
		AmountCents: 10526,
		Currency:    "BRL",
		Method:      "pix",
		Reference:   "txn_abc",
	})
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}

	if result.GatewayTransactionID != "gw_123" {
		t.Errorf("expected gateway id gw_123, got %s", result.GatewayTransactionID)
	}
	if result.PixQRCode == "" {
		t.Error("expected pix qr code")
	}
	if len(result.Raw) == 0 {
		t.Error("expected the raw response body to be kept")
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if gotReq.AmountCents != 10526 || gotReq.Reference != "txn_abc" {
		t.Errorf("request not forwarded: %+v", gotReq)
	}
}

func TestHTTPClient_Charge_Declined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"code":"card_declined","message":"insufficient funds"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-key", 5*time.Second)
	_, err := c.Charge(context.Background(), ChargeRequest{AmountCents: 100, Method: "card"})

	var pspErr *Error
	if !errors.As(err, &pspErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if pspErr.Code != "card_declined" {
		t.Errorf("expected code card_declined, got %s", pspErr.Code)
	}
}

func TestHTTPClient_Charge_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-key", 5*time.Second)
	_, err := c.Charge(context.Background(), ChargeRequest{AmountCents: 100, Method: "card"})
	if err == nil {
		t.Fatal("expected error")
	}

	var pspErr *Error
	if errors.As(err, &pspErr) {
		t.Errorf("5xx must not be a business decline, got %v", pspErr)
	}
}

func TestHTTPClient_Charge_MissingGatewayID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"pending"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-key", 5*time.Second)
	if _, err := c.Charge(context.Background(), ChargeRequest{AmountCents: 100, Method: "card"}); err == nil {
		t.Fatal("expected error for missing gateway transaction id")
	}
}

func TestStripeClient_RejectsPix(t *testing.T) {
	c := NewStripeClient("sk_test_fake")

	_, err := c.Charge(context.Background(), ChargeRequest{AmountCents: 100, Method: "pix"})

	var pspErr *Error
	if !errors.As(err, &pspErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if pspErr.Code != "method_not_supported" {
		t.Errorf("expected method_not_supported, got %s", pspErr.Code)
	}
}
