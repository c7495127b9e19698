package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/aman-churiwal/registry-gate/internal/broadcast"
	"github.com/aman-churiwal/registry-gate/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type CustomerStore interface {
	Create(ctx context.Context, customer *models.Customer) error
	ListAll(ctx context.Context) ([]models.Customer, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
	Update(ctx context.Context, customer *models.Customer) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type TierFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Tier, error)
}

type CustomerHandler struct {
	customers CustomerStore
	tiers     TierFinder
	notifier  Notifier
	logger    *slog.Logger
}

func NewCustomerHandler(customers CustomerStore, tiers TierFinder, notifier Notifier, logger *slog.Logger) *CustomerHandler {
	return &CustomerHandler{
		customers: customers,
		tiers:     tiers,
		notifier:  notifier,
		logger:    logger,
	}
}

type customerRequest struct {
	Name       string                  `json:"name" binding:"required"`
	CIDRBlocks []string                `json:"cidr_blocks"`
	TierID     *uuid.UUID              `json:"tier_id"`
	State      models.EnforcementState `json:"state"`
}

func (h *CustomerHandler) Create(c *gin.Context) {
	var req customerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	customer := &models.Customer{}
	if !h.apply(c, customer, req) {
		return
	}

	ctx := c.Request.Context()
	if err := h.customers.Create(ctx, customer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	notify(ctx, h.notifier, h.logger, broadcast.Customers)
	c.JSON(http.StatusCreated, customer)
}

func (h *CustomerHandler) List(c *gin.Context) {
	customers, err := h.customers.ListAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, customers)
}

func (h *CustomerHandler) Get(c *gin.Context) {
	customer, ok := h.find(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, customer)
}

func (h *CustomerHandler) Update(c *gin.Context) {
	customer, ok := h.find(c)
	if !ok {
		return
	}

	var req customerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.apply(c, customer, req) {
		return
	}

	ctx := c.Request.Context()
	if err := h.customers.Update(ctx, customer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	notify(ctx, h.notifier, h.logger, broadcast.Customers)
	c.JSON(http.StatusOK, customer)
}

func (h *CustomerHandler) Delete(c *gin.Context) {
	customer, ok := h.find(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.customers.Delete(ctx, customer.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	notify(ctx, h.notifier, h.logger, broadcast.Customers)
	c.JSON(http.StatusOK, gin.H{"message": "Customer deleted successfully"})
}

func (h *CustomerHandler) find(c *gin.Context) (*models.Customer, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid customer ID"})
		return nil, false
	}

	customer, err := h.customers.FindByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if customer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Customer not found"})
		return nil, false
	}

	return customer, true
}

// Validates req and copies it onto customer, writing the error response
// when it is rejected
func (h *CustomerHandler) apply(c *gin.Context, customer *models.Customer, req customerRequest) bool {
	state := req.State
	if state == "" {
		state = models.StateEvaluation
	}
	if state != models.StateEnforcement && state != models.StateEvaluation {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("state must be %s or %s", models.StateEnforcement, models.StateEvaluation)})
		return false
	}

	blocks := make([]string, 0, len(req.CIDRBlocks))
	for _, block := range req.CIDRBlocks {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(block))
		if err != nil || !prefix.Addr().Is4() {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid IPv4 CIDR block %q", block)})
			return false
		}
		blocks = append(blocks, prefix.Masked().String())
	}

	var tier *models.Tier
	if req.TierID != nil {
		t, err := h.tiers.FindByID(c.Request.Context(), *req.TierID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return false
		}
		if t == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Tier not found"})
			return false
		}
		tier = t
	}

	customer.Name = req.Name
	customer.CIDRBlocks = blocks
	customer.TierID = req.TierID
	customer.Tier = tier
	customer.State = state
	return true
}
