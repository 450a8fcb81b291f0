package payments

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PaymentOpsTotal counts payment operations by type.
	PaymentOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "giftpay",
			Name:      "payment_operations_total",
			Help:      "Total payment operations by type.",
		},
		[]string{"type"},
	)

	// PaymentOpDuration observes operation latency by type.
	PaymentOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "giftpay",
			Name:      "payment_operation_duration_seconds",
			Help:      "Payment operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"type"},
	)

	// ChargesTotal counts charge attempts by method and outcome.
	ChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "giftpay",
			Name:      "charges_total",
			Help:      "Charge attempts by payment method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	// TransactionsSettledTotal counts webhook settlements by outcome.
	TransactionsSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "giftpay",
			Name:      "transactions_settled_total",
			Help:      "Transactions settled via gateway webhooks by outcome.",
		},
		[]string{"outcome"},
	)

	// IdempotencyKeysSweptTotal counts expired idempotency keys removed.
	IdempotencyKeysSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "giftpay",
			Name:      "idempotency_keys_swept_total",
			Help:      "Expired idempotency keys removed by the sweeper.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PaymentOpsTotal,
		PaymentOpDuration,
		ChargesTotal,
		TransactionsSettledTotal,
		IdempotencyKeysSweptTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	PaymentOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		PaymentOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

func chargesTotal(method, outcome string) {
	ChargesTotal.WithLabelValues(method, outcome).Inc()
}

func transactionsSettled(outcome string) {
	TransactionsSettledTotal.WithLabelValues(outcome).Inc()
}
