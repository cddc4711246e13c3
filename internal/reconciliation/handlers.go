package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trustwork/escrowd/internal/ledger"
)

// Handler exposes reconciliation to operators.
type Handler struct {
	timer *Timer
}

// NewHandler creates a new reconciliation handler
func NewHandler(t *Timer) *Handler {
	return &Handler{timer: t}
}

// RegisterRoutes sets up operator routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation", h.Latest)
	r.POST("/admin/reconciliation/run", h.Run)
}

// Latest handles GET /v1/admin/reconciliation
func (h *Handler) Latest(c *gin.Context) {
	report := h.timer.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no reconciliation run yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "ok": report.OK()})
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.timer.RunOnce(c.Request.Context())
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "ok": report.OK()})
}
