package offers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for offer negotiation.
type Handler struct {
	service *Service
}

// NewHandler creates a new offers handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required offer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.Propose)
	r.GET("/offers", h.ListMine)
	r.GET("/offers/:id", h.Get)
	r.POST("/offers/:id/counter", h.Counter)
	r.POST("/offers/:id/respond", h.Respond)
	r.POST("/offers/:id/withdraw", h.Withdraw)
}

// Propose handles POST /v1/offers
func (h *Handler) Propose(c *gin.Context) {
	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.BuyerID = c.GetString("authUserID")

	o, err := h.service.Propose(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, o)
}

// Counter handles POST /v1/offers/:id/counter
func (h *Handler) Counter(c *gin.Context) {
	var req struct {
		CounterAmount int64 `json:"counterAmount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.Counter(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.CounterAmount)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, o)
}

// Respond handles POST /v1/offers/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	var req struct {
		Decision Decision `json:"decision"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Decision != DecisionAccept && req.Decision != DecisionDecline {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Decision must be 'accept' or 'decline'",
		})
		return
	}

	o, err := h.service.Respond(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Decision)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, o)
}

// Withdraw handles POST /v1/offers/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	o, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, o)
}

// Get handles GET /v1/offers/:id
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// ListMine handles GET /v1/offers
func (h *Handler) ListMine(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	result, err := h.service.ListForUser(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Could not list offers",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"offers": result,
		"count":  len(result),
	})
}

// writeError maps service errors onto HTTP responses. A lost transition
// race returns the refreshed offer so the caller can re-present current
// state without a second round trip.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Offer not found"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Offer amount must be positive and below the asking price"})
	case errors.Is(err, ErrInvalidCounter):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_counter", "message": "Counter must exceed the offer amount and not exceed the asking price"})
	case errors.Is(err, ErrDuplicateActiveOffer):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_active_offer", "message": "An active offer already exists for this listing"})
	case errors.Is(err, ErrStaleOfferState):
		resp := gin.H{"error": "stale_offer_state", "message": "Offer was modified concurrently, showing current state"}
		if current, gerr := h.service.store.Get(c.Request.Context(), c.Param("id")); gerr == nil {
			resp["offer"] = current
		}
		c.JSON(http.StatusConflict, resp)
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": "Offer is not in a state that permits this operation"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not authorized for this offer"})
	case errors.Is(err, ErrListingInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "listing_inactive", "message": "Listing is no longer active"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "offer_failed", "message": "Could not process offer"})
	}
}
