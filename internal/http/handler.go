package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
	"github.com/wenwu/saas-platform/provisioning-service/internal/repository"
	"github.com/wenwu/saas-platform/provisioning-service/internal/service"
)

type Handler struct {
	provisionService *service.ProvisionService
}

func NewHandler(provisionService *service.ProvisionService) *Handler {
	return &Handler{
		provisionService: provisionService,
	}
}

// ==================== Internal API Handlers ====================

// ProvisionOrder runs a provisioning pass for an order, called by the
// storefront after payment capture
func (h *Handler) ProvisionOrder(c *gin.Context) {
	orderID := c.Param("id")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order id required"})
		return
	}

	// Body is optional; an empty body means default options
	var req models.ProvisionOrderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	resp, err := h.provisionService.ProvisionOrder(c.Request.Context(), orderID, req.SkipPreChecks)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetOrderStatus gets an order with its per-item provisioning summaries
func (h *Handler) GetOrderStatus(c *gin.Context) {
	orderID := c.Param("id")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order id required"})
		return
	}

	resp, err := h.provisionService.GetOrderStatus(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetOrderClients lists the credentials provisioned for an order
func (h *Handler) GetOrderClients(c *gin.Context) {
	orderID := c.Param("id")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order id required"})
		return
	}

	resp, err := h.provisionService.GetOrderClients(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"clients": resp})
}

// GetOrderAttempts lists the audit trail for an order
func (h *Handler) GetOrderAttempts(c *gin.Context) {
	orderID := c.Param("id")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order id required"})
		return
	}

	resp, err := h.provisionService.GetOrderAttempts(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"attempts": resp})
}

// ==================== Customer API Handlers ====================

// GetMyClients lists the authenticated customer's active credentials
func (h *Handler) GetMyClients(c *gin.Context) {
	customerID, exists := c.Get("customerID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "customer not authenticated"})
		return
	}

	resp, err := h.provisionService.GetCustomerClients(c.Request.Context(), customerID.(string))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"clients": resp})
}
