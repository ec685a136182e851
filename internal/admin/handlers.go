package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler Reconciler
	sweeper    EscrowSweeper
	stats      StatsSource
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithReconciler sets the reconciliation runner for on-demand repairs.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithEscrowSweeper sets the escrow service for forced sweeps.
func (h *Handler) WithEscrowSweeper(s EscrowSweeper) *Handler {
	h.sweeper = s
	return h
}

// WithStats sets the stats source.
func (h *Handler) WithStats(s StatsSource) *Handler {
	h.stats = s
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.POST("/admin/escrow/sweep", h.forceSweep)
	r.GET("/admin/stats", h.platformStats)
}

// triggerReconciliation runs an on-demand repair pass.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

// forceSweep releases all due escrow holds immediately instead of
// waiting for the next timer tick.
func (h *Handler) forceSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow service not configured"})
		return
	}

	limit := 500
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 5000 {
			limit = parsed
		}
	}

	released := h.sweeper.SweepDue(c.Request.Context(), limit)
	c.JSON(http.StatusOK, gin.H{"releasedCount": released})
}

// platformStats returns aggregate marketplace counts.
func (h *Handler) platformStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats not configured"})
		return
	}

	stats, err := h.stats.PlatformStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
