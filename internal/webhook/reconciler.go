package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/noivos/giftpay/internal/logging"
	"github.com/noivos/giftpay/internal/payments"
	"github.com/noivos/giftpay/internal/traces"
)

var (
	// ErrInvalidSignature is returned when the payload signature fails
	// verification.
	ErrInvalidSignature = errors.New("webhook: invalid signature")

	// ErrInvalidPayload is returned when a verified payload cannot be
	// parsed or is missing required fields.
	ErrInvalidPayload = errors.New("webhook: invalid payload")
)

var webhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "giftpay",
	Name:      "webhook_events_total",
	Help:      "Gateway webhook deliveries by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(webhookEventsTotal)
}

// confirmStatuses and failStatuses map the gateway's status vocabulary to
// our two terminal outcomes. Unrecognized statuses are acknowledged and
// ignored so the gateway does not retry forever.
var (
	confirmStatuses = map[string]bool{
		"paid":       true,
		"approved":   true,
		"authorized": true,
		"confirmed":  true,
	}
	failStatuses = map[string]bool{
		"declined": true,
		"refused":  true,
		"failed":   true,
		"error":    true,
	}
)

// Payload is the gateway's notification envelope.
type Payload struct {
	EventType  string      `json:"event_type"`
	Data       PayloadData `json:"data"`
	OccurredAt time.Time   `json:"occurred_at,omitempty"`
}

// PayloadData carries the transaction details inside a notification.
// ID is the gateway's transaction identifier, not ours.
type PayloadData struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	AmountCents  int64  `json:"amount,omitempty"`
}

// Settler is the part of the payments service the reconciler needs.
type Settler interface {
	ConfirmGateway(ctx context.Context, gatewayTxnID string) (*payments.Transaction, error)
	FailGateway(ctx context.Context, gatewayTxnID, reason string) (*payments.Transaction, error)
}

// Reconciler verifies and applies gateway notifications.
type Reconciler struct {
	verifier *Verifier
	settler  Settler
}

// NewReconciler creates a reconciler.
func NewReconciler(verifier *Verifier, settler Settler) *Reconciler {
	return &Reconciler{verifier: verifier, settler: settler}
}

// Handle processes one webhook delivery. remoteAddr is only used for
// logging rejected deliveries; payload contents are never logged on
// rejection.
//
// A nil error means the delivery was consumed and the gateway must not
// retry it. Unknown transaction IDs and unknown statuses are consumed
// with a warning.
func (r *Reconciler) Handle(ctx context.Context, body []byte, signature, remoteAddr string) error {
	ctx, span := traces.StartSpan(ctx, "webhook.Handle")
	defer span.End()

	if !r.verifier.Verify(body, signature) {
		webhookEventsTotal.WithLabelValues("invalid_signature").Inc()
		logging.L(ctx).Warn("webhook rejected: invalid signature", "remote_addr", remoteAddr)
		return ErrInvalidSignature
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		webhookEventsTotal.WithLabelValues("invalid_payload").Inc()
		logging.L(ctx).Warn("webhook rejected: malformed payload", "remote_addr", remoteAddr)
		return ErrInvalidPayload
	}
	if payload.EventType == "" || payload.Data.ID == "" || payload.Data.Status == "" {
		webhookEventsTotal.WithLabelValues("invalid_payload").Inc()
		logging.L(ctx).Warn("webhook rejected: missing fields", "remote_addr", remoteAddr)
		return ErrInvalidPayload
	}

	span.SetAttributes(traces.GatewayTransactionID(payload.Data.ID))

	switch {
	case confirmStatuses[payload.Data.Status]:
		_, err := r.settler.ConfirmGateway(ctx, payload.Data.ID)
		return r.settled(ctx, "confirm", payload, err)

	case failStatuses[payload.Data.Status]:
		reason := payload.Data.ErrorMessage
		if reason == "" {
			reason = payload.Data.Status
		}
		_, err := r.settler.FailGateway(ctx, payload.Data.ID, reason)
		return r.settled(ctx, "fail", payload, err)

	default:
		webhookEventsTotal.WithLabelValues("unknown_status").Inc()
		logging.L(ctx).Warn("webhook ignored: unknown status",
			"event_type", payload.EventType,
			"status", payload.Data.Status,
			"gateway_transaction_id", payload.Data.ID)
		return nil
	}
}

func (r *Reconciler) settled(ctx context.Context, action string, payload Payload, err error) error {
	if errors.Is(err, payments.ErrTransactionNotFound) {
		// The gateway knows transactions we do not (other systems share
		// the account). Acknowledge so it stops retrying.
		webhookEventsTotal.WithLabelValues("unknown_transaction").Inc()
		logging.L(ctx).Warn("webhook for unknown transaction",
			"gateway_transaction_id", payload.Data.ID,
			"status", payload.Data.Status)
		return nil
	}
	if err != nil {
		webhookEventsTotal.WithLabelValues("error").Inc()
		return err
	}
	webhookEventsTotal.WithLabelValues(action).Inc()
	return nil
}
