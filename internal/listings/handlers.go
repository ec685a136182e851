package listings

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/karroolabs/karroo/internal/pagination"
)

// Handler provides HTTP endpoints for listings.
type Handler struct {
	service *Service
}

// NewHandler creates a new listings handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings", h.List)
	r.GET("/listings/:id", h.Get)
}

// RegisterProtectedRoutes sets up protected (auth-required) listing routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.Create)
	r.POST("/listings/:id/withdraw", h.Withdraw)
}

// Create handles POST /v1/listings
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Seller is always the authenticated user
	req.SellerID = c.GetString("authUserID")

	l, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "listing_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, l)
}

// Get handles GET /v1/listings/:id
func (h *Handler) Get(c *gin.Context) {
	l, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Listing not found",
		})
		return
	}
	c.JSON(http.StatusOK, l)
}

// List handles GET /v1/listings
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}

	result, next, err := h.service.List(c.Request.Context(), ListOptions{
		Status:   Status(c.Query("status")),
		SellerID: c.Query("seller"),
		Limit:    limit,
		After:    after,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Could not list listings",
		})
		return
	}

	resp := gin.H{
		"listings": result,
		"count":    len(result),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Withdraw handles POST /v1/listings/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	callerID := c.GetString("authUserID")

	l, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
		case errors.Is(err, ErrNotSeller):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only the seller can withdraw a listing"})
		case errors.Is(err, ErrNotActive):
			c.JSON(http.StatusConflict, gin.H{"error": "not_active", "message": "Listing is no longer active"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "withdraw_failed", "message": "Could not withdraw listing"})
		}
		return
	}

	c.JSON(http.StatusOK, l)
}
