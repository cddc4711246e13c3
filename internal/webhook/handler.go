package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/logging"
	"github.com/trustwork/escrowd/internal/metrics"
	"github.com/trustwork/escrowd/internal/payfast"
	"github.com/trustwork/escrowd/internal/signature"
	"github.com/trustwork/escrowd/internal/validation"
)

// Path is where the provider posts notifications.
const Path = "/webhooks/payfast"

// Handler is the provider-facing notification endpoint.
type Handler struct {
	reconciler  *Reconciler
	deadLetters *DeadLetters
	signer      *signature.Signer
	origin      payfast.OriginVerifier
	timeout     time.Duration
	merchantID  string
	logger      *slog.Logger
}

// NewHandler creates the notification endpoint.
func NewHandler(reconciler *Reconciler, deadLetters *DeadLetters, signer *signature.Signer, origin payfast.OriginVerifier, timeout time.Duration) *Handler {
	return &Handler{
		reconciler:  reconciler,
		deadLetters: deadLetters,
		signer:      signer,
		origin:      origin,
		timeout:     timeout,
		logger:      slog.Default(),
	}
}

// WithMerchantID makes the handler dead-letter notifications addressed to
// another merchant.
func (h *Handler) WithMerchantID(id string) *Handler {
	h.merchantID = id
	return h
}

// WithLogger sets the fallback logger.
func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	h.logger = l
	return h
}

// RegisterRoutes mounts the endpoint for every method so that non-POST
// requests get a 405 rather than a 404.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.Any(Path, h.Notify)
}

// Notify handles POST /webhooks/payfast
func (h *Handler) Notify(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.Header("Allow", http.MethodPost)
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error":   "method_not_allowed",
			"message": "notifications must be POSTed",
		})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, validation.MaxRequestSize)
	if err := c.Request.ParseForm(); err != nil {
		h.reject(c, http.StatusBadRequest, "invalid_request", "unreadable form body")
		return
	}
	fields := make(signature.Fields, len(c.Request.PostForm))
	for k := range c.Request.PostForm {
		fields[k] = c.Request.PostForm.Get(k)
	}

	if err := h.signer.Verify(fields); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("bad_signature").Inc()
		h.reject(c, http.StatusBadRequest, "invalid_signature", "signature mismatch")
		return
	}
	if err := h.origin.VerifyOrigin(c.Request.Context(), c.ClientIP()); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("bad_origin").Inc()
		logging.OrDefault(c.Request.Context(), h.logger).Warn("notification origin rejected",
			"remoteIp", c.ClientIP(), "error", err)
		h.reject(c, http.StatusForbidden, "forbidden", "origin not recognised")
		return
	}

	// From here on the provider always gets a 200.
	if err := h.process(c.Request.Context(), fields); err != nil {
		logging.OrDefault(c.Request.Context(), h.logger).Error("notification processing failed",
			"correlationId", fields["m_payment_id"], "error", err)
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		if _, dlErr := h.deadLetters.Record(c.Request.Context(), fields, err); dlErr != nil {
			logging.OrDefault(c.Request.Context(), h.logger).Error("dead letter not recorded",
				"correlationId", fields["m_payment_id"], "error", dlErr)
		}
	}
	c.String(http.StatusOK, "OK")
}

func (h *Handler) process(ctx context.Context, fields signature.Fields) error {
	n, err := payfast.ParseITN(fields)
	if err != nil {
		return err
	}
	if h.merchantID != "" && n.MerchantID != "" && n.MerchantID != h.merchantID {
		return errors.New("notification addressed to merchant " + n.MerchantID)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	res, err := h.reconciler.Reconcile(ctx, n)
	if err != nil {
		return err
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(res.Outcome)).Inc()
	return nil
}

func (h *Handler) reject(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}

// AdminHandler exposes the dead-letter channel to operators.
type AdminHandler struct {
	deadLetters *DeadLetters
}

// NewAdminHandler creates the operator dead-letter endpoints.
func NewAdminHandler(d *DeadLetters) *AdminHandler {
	return &AdminHandler{deadLetters: d}
}

// RegisterRoutes sets up operator routes.
func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/dead-letters", h.List)
	r.POST("/admin/dead-letters/:id/replay", h.Replay)
}

// List handles GET /v1/admin/dead-letters
func (h *AdminHandler) List(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = min(l, 200)
	}
	letters, err := h.deadLetters.List(c.Request.Context(), actor, c.Query("all") != "true", limit)
	if err != nil {
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deadLetters": letters,
		"count":       len(letters),
	})
}

// Replay handles POST /v1/admin/dead-letters/:id/replay
func (h *AdminHandler) Replay(c *gin.Context) {
	actor, ok := ledger.RequestActor(c)
	if !ok {
		return
	}
	dl, res, err := h.deadLetters.Replay(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		if dl != nil && !errors.Is(err, ledger.ErrIllegalTransition) {
			// The replay ran and failed again; report the updated letter.
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":      "replay_failed",
				"message":    err.Error(),
				"deadLetter": dl,
			})
			return
		}
		ledger.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deadLetter": dl,
		"outcome":    res.Outcome,
		"escrowId":   res.EscrowID,
	})
}
