package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/broadcast"
	"github.com/gin-gonic/gin"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Handles system-related endpoints
type SystemHandler struct {
	deps     map[string]Pinger
	notifier Notifier
	logger   *slog.Logger
}

func NewSystemHandler(deps map[string]Pinger, notifier Notifier, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{
		deps:     deps,
		notifier: notifier,
		logger:   logger,
	}
}

// Reports each backing store. The gateway keeps serving when Redis is down,
// so only the database makes it unhealthy.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(h.deps))

	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			components[name] = err.Error()
			if name == "postgres" {
				status = http.StatusServiceUnavailable
			}
			continue
		}
		components[name] = "ok"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	} else {
		for _, v := range components {
			if v != "ok" {
				overall = "degraded"
			}
		}
	}

	c.JSON(status, gin.H{
		"status":     overall,
		"components": components,
	})
}

// Forces every instance to reload customers and tiers, for changes made
// directly in the database
func (h *SystemHandler) ReloadCaches(c *gin.Context) {
	ctx := c.Request.Context()
	notify(ctx, h.notifier, h.logger, broadcast.Tiers)
	notify(ctx, h.notifier, h.logger, broadcast.Customers)

	c.JSON(http.StatusOK, gin.H{"message": "Cache reload requested"})
}
