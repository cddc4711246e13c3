package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trustwork/escrowd/internal/logging"
)

// StatusFor maps a core error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// WriteError writes err as the standard {"error", "message"} body.
// Internal errors are logged and their text withheld from the client.
func WriteError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}

// RequestActor returns the actor the auth middleware attached to the request.
func RequestActor(c *gin.Context) (Actor, bool) {
	a, ok := ActorFrom(c.Request.Context())
	if !ok || a.ID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "actor identity required",
		})
		return Actor{}, false
	}
	return a, true
}
