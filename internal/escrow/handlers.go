package escrow

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow holds and disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:orderId", h.GetStatus)
	r.POST("/escrow/:orderId/release", h.Release)
	r.POST("/escrow/:orderId/disputes", h.OpenDispute)
}

// RegisterAdminRoutes sets up admin-only dispute resolution routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/disputes/:id/review", h.MarkUnderReview)
	r.POST("/admin/disputes/:id/resolve", h.ResolveDispute)
}

// GetStatus handles GET /v1/escrow/:orderId
func (h *Handler) GetStatus(c *gin.Context) {
	st, err := h.service.GetStatus(c.Request.Context(), c.Param("orderId"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Release handles POST /v1/escrow/:orderId/release
//
// A client countdown reaching zero calls this; the release decision is
// re-verified server-side against release_at, never trusted from the
// client timer.
func (h *Handler) Release(c *gin.Context) {
	hold, err := h.service.store.GetHoldByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	callerID := c.GetString("authUserID")
	if hold.BuyerID != callerID && hold.SellerID != callerID {
		h.writeError(c, ErrUnauthorized)
		return
	}

	released, err := h.service.AutoRelease(c.Request.Context(), hold.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrDisputeActive):
			// Expected wait outcome, not a failure
			c.JSON(http.StatusOK, gin.H{"decision": DecisionBlocked, "hold": released})
		case errors.Is(err, ErrInvalidStatus):
			ev := EvaluateRelease(released, time.Now())
			c.JSON(http.StatusOK, gin.H{"decision": DecisionWait, "remaining": ev.Remaining.String(), "hold": released})
		default:
			h.writeError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"decision": DecisionRelease, "hold": released})
}

// OpenDispute handles POST /v1/escrow/:orderId/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A dispute reason is required",
		})
		return
	}

	d, err := h.service.OpenDispute(c.Request.Context(), c.Param("orderId"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, d)
}

// MarkUnderReview handles POST /v1/admin/disputes/:id/review
func (h *Handler) MarkUnderReview(c *gin.Context) {
	d, err := h.service.MarkUnderReview(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Outcome          DisputeStatus `json:"outcome"`
		ResolutionAmount int64         `json:"resolutionAmount"`
		Notes            string        `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Outcome, req.ResolutionAmount, req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, d)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrHoldNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No escrow hold for this order"})
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not authorized for this hold"})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": "Hold is not in a state that permits this operation"})
	case errors.Is(err, ErrStaleHoldState):
		c.JSON(http.StatusConflict, gin.H{"error": "stale_hold_state", "message": "Hold was modified concurrently, refresh and retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow_failed", "message": "Could not process escrow operation"})
	}
}
