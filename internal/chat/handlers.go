package chat

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for offer-thread chat.
type Handler struct {
	service *Service
}

// NewHandler creates a new chat handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required chat routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers/:id/messages", h.Send)
	r.GET("/offers/:id/messages", h.History)
}

// Send handles POST /v1/offers/:id/messages
//
// Guard refusals come back as 200 with the guard result so the sender
// can wait out the window, edit the message, or override a warning.
func (h *Handler) Send(c *gin.Context) {
	var req struct {
		Body     string `json:"body"`
		Override bool   `json:"override"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	res, err := h.service.Send(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Body, req.Override)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.Message != nil {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

// History handles GET /v1/offers/:id/messages
func (h *Handler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	messages, err := h.service.History(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"count":    len(messages),
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEmptyBody):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Message body is required"})
	case errors.Is(err, ErrThreadClosed):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Offer thread not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not a participant in this thread"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chat_failed", "message": "Could not process message"})
	}
}
