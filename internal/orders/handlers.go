package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new orders handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/orders", h.ListMine)
	r.GET("/orders/:id", h.Get)
	r.POST("/orders/:id/ship", h.Ship)
	r.POST("/orders/:id/confirm-delivery", h.ConfirmDelivery)
	r.POST("/orders/:id/cancel", h.Cancel)
}

// Get handles GET /v1/orders/:id
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// ListMine handles GET /v1/orders
func (h *Handler) ListMine(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	result, err := h.service.ListForUser(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Could not list orders",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": result,
		"count":  len(result),
	})
}

// Ship handles POST /v1/orders/:id/ship
func (h *Handler) Ship(c *gin.Context) {
	var req struct {
		Carrier        string `json:"carrier"`
		TrackingNumber string `json:"trackingNumber"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.MarkShipped(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Carrier, req.TrackingNumber)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, o)
}

// ConfirmDelivery handles POST /v1/orders/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req struct {
		PhotoRef string `json:"photoRef"`
	}
	// Body is optional; confirmation without evidence is valid
	_ = c.ShouldBindJSON(&req)

	o, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.PhotoRef)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, o)
}

// Cancel handles POST /v1/orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, o)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not authorized for this order"})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": "Order is not in a state that permits this operation"})
	case errors.Is(err, ErrStaleOrderState):
		c.JSON(http.StatusConflict, gin.H{"error": "stale_order_state", "message": "Order was modified concurrently, refresh and retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order_failed", "message": "Could not process order"})
	}
}
