package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for ledger reads.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up actor-authenticated ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/notifications", h.ListNotifications)
	r.POST("/notifications/:id/read", h.MarkNotificationRead)
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}
	return limit
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	actor, ok := RequestActor(c)
	if !ok {
		return
	}
	view, err := h.ledger.GetEscrow(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": view})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	actor, ok := RequestActor(c)
	if !ok {
		return
	}
	page, err := h.ledger.ListEscrows(c.Request.Context(), actor, EscrowQuery{
		Status: EscrowStatus(c.Query("status")),
		Cursor: c.Query("cursor"),
		Limit:  queryLimit(c),
	})
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows":    page.Escrows,
		"count":      len(page.Escrows),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	actor, ok := RequestActor(c)
	if !ok {
		return
	}
	d, err := h.ledger.GetDispute(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListNotifications handles GET /v1/notifications
func (h *Handler) ListNotifications(c *gin.Context) {
	actor, ok := RequestActor(c)
	if !ok {
		return
	}
	notes, err := h.ledger.ListNotifications(c.Request.Context(), actor, queryLimit(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": notes,
		"count":         len(notes),
	})
}

// MarkNotificationRead handles POST /v1/notifications/:id/read
func (h *Handler) MarkNotificationRead(c *gin.Context) {
	actor, ok := RequestActor(c)
	if !ok {
		return
	}
	n, err := h.ledger.MarkNotificationRead(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification": n})
}
