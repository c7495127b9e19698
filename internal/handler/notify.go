package handler

import (
	"context"
	"log/slog"
)

// Cache invalidation fan-out used after every admin write
type Notifier interface {
	Local(ctx context.Context, message string) error
	Publish(ctx context.Context, message string) error
}

// Applies the change here right away, then tells the other instances.
// Failures only delay propagation, the write itself already succeeded.
func notify(ctx context.Context, n Notifier, logger *slog.Logger, message string) {
	if err := n.Local(ctx, message); err != nil {
		logger.Warn("local cache invalidation failed", "message", message, "error", err)
	}
	if err := n.Publish(ctx, message); err != nil {
		logger.Warn("failed to publish cache invalidation", "message", message, "error", err)
	}
}
