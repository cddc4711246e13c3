package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for the dispute workflow.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up actor-authenticated dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/disputes", h.Open)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/review", h.StartReview)
	r.POST("/disputes/:id/escalate", h.Escalate)
	r.POST("/disputes/:id/cancel", h.Cancel)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// EvidenceRequest is the body of POST /v1/disputes/:id/evidence.
type EvidenceRequest struct {
	Evidence []string `json:"evidence" binding:"required"`
}

// NotesRequest carries optional operator notes.
type NotesRequest struct {
	Notes string `json:"notes"`
}

func invalid(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// Open handles POST /v1/escrows/:id/disputes
func (h *Handler) Open(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, 200),
		validation.MaxLength("description", req.Description, validation.MaxTextLength),
	); len(errs) > 0 {
		invalid(c, errs)
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, 200)
	req.Description = validation.SanitizeString(req.Description, validation.MaxTextLength)

	d, err := h.service.Open(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "evidence is required",
		})
		return
	}
	for _, ref := range req.Evidence {
		if errs := validation.Validate(
			validation.Required("evidence", ref),
			validation.MaxLength("evidence", ref, 2048),
		); len(errs) > 0 {
			invalid(c, errs)
			return
		}
	}

	d, err := h.service.AddEvidence(c.Request.Context(), actor, c.Param("id"), req.Evidence)
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// StartReview handles POST /v1/disputes/:id/review
func (h *Handler) StartReview(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	d, err := h.service.StartReview(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Escalate handles POST /v1/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	var req NotesRequest
	_ = c.ShouldBindJSON(&req)

	d, err := h.service.Escalate(c.Request.Context(), actor, c.Param("id"),
		validation.SanitizeString(req.Notes, validation.MaxTextLength))
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Cancel handles POST /v1/disputes/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	d, err := h.service.Cancel(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "decision is required",
		})
		return
	}
	if req.Adjustment != nil {
		if errs := validation.Validate(
			validation.ValidAmount("adjustment", req.Adjustment.String()),
		); len(errs) > 0 {
			invalid(c, errs)
			return
		}
	}
	req.Notes = validation.SanitizeString(req.Notes, validation.MaxTextLength)

	d, err := h.service.Resolve(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
