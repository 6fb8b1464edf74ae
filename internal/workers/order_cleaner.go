package workers

import (
	"context"
	"log/slog"
	"time"
)

// OrderExpirer cancels open P2P orders that have not moved for a while.
type OrderExpirer interface {
	ExpireStaleOrders(ctx context.Context, olderThan time.Duration) (int64, error)
}

// OrderCleaner worker cancels stale open orders and refunds their escrow
type OrderCleaner struct {
	logger  *slog.Logger
	expirer OrderExpirer

	// Duration after which an open order is considered stale
	expirationDuration time.Duration

	// How often to run the cleanup process
	cleanupInterval time.Duration
}

// NewOrderCleaner creates a new order cleaner worker
func NewOrderCleaner(
	logger *slog.Logger,
	expirer OrderExpirer,
	expirationDuration time.Duration,
	cleanupInterval time.Duration,
) *OrderCleaner {
	return &OrderCleaner{
		logger:             logger,
		expirer:            expirer,
		expirationDuration: expirationDuration,
		cleanupInterval:    cleanupInterval,
	}
}

// Start runs the periodic cleanup until ctx is cancelled
func (oc *OrderCleaner) Start(ctx context.Context) {
	oc.logger.Info("Starting order cleaner worker",
		"expiration_time", oc.expirationDuration.String(),
		"cleanup_interval", oc.cleanupInterval.String())

	if err := oc.cleanupStaleOrders(ctx); err != nil {
		oc.logger.Error("Initial order cleanup failed", "error", err)
	}

	ticker := time.NewTicker(oc.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			oc.logger.Info("Order cleaner worker stopped")
			return
		case <-ticker.C:
			if err := oc.cleanupStaleOrders(ctx); err != nil {
				oc.logger.Error("Order cleanup failed", "error", err)
			}
		}
	}
}

func (oc *OrderCleaner) cleanupStaleOrders(ctx context.Context) error {
	oc.logger.Debug("Starting cleanup of stale orders", "older_than", oc.expirationDuration.String())

	count, err := oc.expirer.ExpireStaleOrders(ctx, oc.expirationDuration)
	if err != nil {
		return err
	}

	if count > 0 {
		oc.logger.Info("Expired stale orders", "count", count, "older_than", oc.expirationDuration.String())
	} else {
		oc.logger.Debug("No stale orders to expire")
	}

	return nil
}
