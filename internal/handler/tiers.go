package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/broadcast"
	"github.com/aman-churiwal/registry-gate/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type TierStore interface {
	Create(ctx context.Context, tier *models.Tier) error
	List(ctx context.Context) ([]models.Tier, error)
	ListByType(ctx context.Context, tierType models.TierType) ([]models.Tier, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Tier, error)
	Update(ctx context.Context, tier *models.Tier) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type TierUsage interface {
	CountByTier(ctx context.Context, tierID uuid.UUID) (int64, error)
}

type TierHandler struct {
	tiers    TierStore
	usage    TierUsage
	notifier Notifier
	logger   *slog.Logger
}

func NewTierHandler(tiers TierStore, usage TierUsage, notifier Notifier, logger *slog.Logger) *TierHandler {
	return &TierHandler{
		tiers:    tiers,
		usage:    usage,
		notifier: notifier,
		logger:   logger,
	}
}

type tierRequest struct {
	Name           string                `json:"name" binding:"required"`
	Description    string                `json:"description"`
	Type           models.TierType       `json:"type" binding:"required"`
	Capacity       int64                 `json:"capacity" binding:"required,gt=0"`
	RefillStrategy models.RefillStrategy `json:"refill_strategy"`
	// Go duration string, e.g. "1h" or "30s"
	Duration string `json:"duration" binding:"required"`
}

func (h *TierHandler) Create(c *gin.Context) {
	var req tierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tier := &models.Tier{}
	if !h.apply(c, tier, req) {
		return
	}

	ctx := c.Request.Context()
	if err := h.tiers.Create(ctx, tier); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	notify(ctx, h.notifier, h.logger, broadcast.Tiers)
	c.JSON(http.StatusCreated, tier)
}

func (h *TierHandler) List(c *gin.Context) {
	tiers, err := h.tiers.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, tiers)
}

func (h *TierHandler) Update(c *gin.Context) {
	tier, ok := h.find(c)
	if !ok {
		return
	}

	var req tierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.apply(c, tier, req) {
		return
	}

	ctx := c.Request.Context()
	if err := h.tiers.Update(ctx, tier); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	notify(ctx, h.notifier, h.logger, broadcast.Tiers)
	c.JSON(http.StatusOK, tier)
}

func (h *TierHandler) Delete(c *gin.Context) {
	tier, ok := h.find(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	inUse, err := h.usage.CountByTier(ctx, tier.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if inUse > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("Tier is assigned to %d customers", inUse)})
		return
	}

	if err := h.tiers.Delete(ctx, tier.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	notify(ctx, h.notifier, h.logger, broadcast.Tiers)
	c.JSON(http.StatusOK, gin.H{"message": "Tier deleted successfully"})
}

func (h *TierHandler) find(c *gin.Context) (*models.Tier, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tier ID"})
		return nil, false
	}

	tier, err := h.tiers.FindByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if tier == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Tier not found"})
		return nil, false
	}

	return tier, true
}

// At most one FREE and one SAFETY tier may exist
func (h *TierHandler) apply(c *gin.Context, tier *models.Tier, req tierRequest) bool {
	if !req.Type.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown tier type %q", req.Type)})
		return false
	}

	refill := req.RefillStrategy
	if refill == "" {
		refill = models.RefillGreedy
	}
	if !refill.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown refill strategy %q", refill)})
		return false
	}

	duration, err := time.ParseDuration(req.Duration)
	if err != nil || duration <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration must be a positive Go duration such as 1h"})
		return false
	}

	if req.Type == models.TierTypeFree || req.Type == models.TierTypeSafety {
		existing, err := h.tiers.ListByType(c.Request.Context(), req.Type)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return false
		}
		for _, other := range existing {
			if other.ID != tier.ID {
				c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("a %s tier already exists: %s", req.Type, other.Name)})
				return false
			}
		}
	}

	tier.Name = req.Name
	tier.Description = req.Description
	tier.Type = req.Type
	tier.Capacity = req.Capacity
	tier.RefillStrategy = refill
	tier.Duration = duration
	return true
}
