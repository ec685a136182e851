package payments

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/karroolabs/karroo/internal/orders"
)

// Handler provides HTTP endpoints for payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public payment routes. The Stripe webhook is
// authenticated by its signature, not an API key.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/stripe/webhook", h.Webhook)
}

// RegisterProtectedRoutes sets up auth-required payment routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/pay", h.CreateIntent)
}

// CreateIntent handles POST /v1/orders/:id/pay
func (h *Handler) CreateIntent(c *gin.Context) {
	intent, err := h.service.CreateIntent(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

// Webhook handles POST /v1/payments/stripe/webhook
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read payload",
		})
		return
	}

	err = h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payments_unavailable", "message": "Payments are not configured"})
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed"})
	case errors.Is(err, ErrNotPayable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_payable", "message": "Order is not awaiting payment"})
	case errors.Is(err, ErrUnknownOrder), errors.Is(err, orders.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, orders.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not authorized for this order"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payment_failed", "message": "Could not process payment"})
	}
}
