package payments

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically removes expired idempotency keys.
type Timer struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates an idempotency key sweeper. Keys whose expiry has
// passed are removed each interval; their transactions stay.
func NewTimer(store Store, logger *slog.Logger) *Timer {
	return &Timer{
		store:    store,
		interval: 1 * time.Hour,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) sweep(ctx context.Context) {
	removed, err := t.store.DeleteExpiredKeys(ctx, time.Now())
	if err != nil {
		t.logger.Warn("failed to sweep idempotency keys", "error", err)
		return
	}
	if removed > 0 {
		IdempotencyKeysSweptTotal.Add(float64(removed))
		t.logger.Info("idempotency keys swept", "removed", removed)
	}
}
