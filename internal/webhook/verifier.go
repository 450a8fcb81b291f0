// Package webhook receives payment gateway notifications and reconciles
// them against stored transactions.
//
// The gateway is the authority on payment outcome: transactions only move
// to a terminal status through this path (or a synchronous decline at
// charge time). Every payload must carry a valid HMAC signature over the
// raw body; anything unsigned is rejected before parsing.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Verifier checks webhook signatures with HMAC-SHA256 over the raw body.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier. If secret is empty, verification is
// disabled and every payload is rejected.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret)}
}

// Verify reports whether signature is a valid hex HMAC-SHA256 of body.
// Comparison is constant-time. It never returns an error: any malformed
// signature simply fails verification.
func (v *Verifier) Verify(body []byte, signature string) bool {
	if v == nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the hex HMAC-SHA256 of body. Used by tests and by the
// outbound dispatcher when simulating the gateway locally.
func (v *Verifier) Sign(body []byte) string {
	if v == nil {
		return ""
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
