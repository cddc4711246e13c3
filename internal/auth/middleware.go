package auth

import (
	"errors"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/logging"
)

// Middleware resolves the request actor and stores it in the request
// context. Requests without an identity pass through anonymous; handlers
// reject them with 401 via ledger.RequestActor. Invalid roles or bad
// credentials are rejected here.
func Middleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := a.Resolve(c.Request.Header)
		switch {
		case err == nil:
			ctx := ledger.WithActor(c.Request.Context(), actor)
			ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("actor", actor.String()))
			c.Request = c.Request.WithContext(ctx)
		case errors.Is(err, ErrNoActor) && c.GetHeader(HeaderActorID) == "":
			// anonymous
		case errors.Is(err, ErrBadCredentials):
			logging.L(c.Request.Context()).Warn("rejected privileged credential", "role", c.GetHeader(HeaderActorRole))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		default:
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_actor",
				"message": err.Error(),
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects requests whose actor is missing (401) or holds none
// of roles (403).
func RequireRole(roles ...ledger.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ledger.ActorFrom(c.Request.Context())
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "actor identity required",
			})
			return
		}
		if !slices.Contains(roles, actor.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "role " + string(actor.Role) + " may not call this endpoint",
			})
			return
		}
		c.Next()
	}
}
