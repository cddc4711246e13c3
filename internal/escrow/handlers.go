package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow and milestone transitions.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up actor-authenticated escrow and milestone routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
	r.PUT("/escrows/:id/plan", h.CorrectPlan)
	r.POST("/milestones/:id/submit", h.Submit)
	r.POST("/milestones/:id/revision", h.RequestRevision)
	r.POST("/milestones/:id/approve", h.Approve)
}

// SubmitRequest is the body of POST /v1/milestones/:id/submit.
type SubmitRequest struct {
	ArtifactRef string `json:"artifactRef" binding:"required"`
}

// RevisionRequest is the body of POST /v1/milestones/:id/revision.
type RevisionRequest struct {
	Note string `json:"note"`
}

// PlanRequest is the body of PUT /v1/escrows/:id/plan.
type PlanRequest struct {
	Percentages []string `json:"percentages" binding:"required"`
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	view, err := h.service.Release(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": view})
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	view, err := h.service.Refund(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": view})
}

// CorrectPlan handles PUT /v1/escrows/:id/plan
func (h *Handler) CorrectPlan(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	pcts := make([]decimal.Decimal, 0, len(req.Percentages))
	for _, p := range req.Percentages {
		if errs := validation.Validate(validation.ValidPercentage("percentages", p)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
		d, _ := decimal.NewFromString(p)
		pcts = append(pcts, d)
	}

	view, err := h.service.CorrectPlan(c.Request.Context(), actor, c.Param("id"), pcts)
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": view})
}

// Submit handles POST /v1/milestones/:id/submit
func (h *Handler) Submit(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "artifactRef is required")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("artifactRef", req.ArtifactRef, 2048),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	m, err := h.service.Submit(c.Request.Context(), actor, c.Param("id"), validation.SanitizeString(req.ArtifactRef, 2048))
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// RequestRevision handles POST /v1/milestones/:id/revision
func (h *Handler) RequestRevision(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	var req RevisionRequest
	// Body is optional.
	_ = c.ShouldBindJSON(&req)

	m, err := h.service.RequestRevision(c.Request.Context(), actor, c.Param("id"),
		validation.SanitizeString(req.Note, validation.MaxTextLength))
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// Approve handles POST /v1/milestones/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	m, err := h.service.Approve(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}
