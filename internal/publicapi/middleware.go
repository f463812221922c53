// Package publicapi is the gateway's public-facing surface (spec.md §6):
// gin routing, the three authentication surfaces, and the
// generateContent/streamGenerateContent handlers that drive
// internal/executor. Grounded on the teacher's internal/auth/middleware.go
// for the gin.HandlerFunc shape and internal/proxy/handlers.go for
// request/response wiring, adapted to this protocol's own error envelope
// and auth surfaces instead of Firebase/static-API-key validation (both
// named out of scope by spec.md §1 — key validation is an external
// collaborator here).
package publicapi

import (
	"strings"

	"github.com/eternisai/enchanted-proxy/internal/apierrors"
	"github.com/eternisai/enchanted-proxy/internal/logger"
	"github.com/gin-gonic/gin"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	apiKeyIDKey contextKey = "api_key_id"
)

// RequireAPIKey extracts the caller's key from the three accepted
// surfaces (x-goog-api-key header, Authorization: Bearer, key query
// param) and aborts with AuthError if none is present. Per spec.md §1
// Non-goals, validating the key against an issuer is an external
// concern; the key's own value is this gateway's opaque user/tenant
// identity.
func RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("x-goog-api-key")

		if key == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if key == "" {
			key = c.Query("key")
		}

		if key == "" {
			apierrors.Abort(c, apierrors.New(apierrors.KindAuthError, "missing API key", nil))
			return
		}

		c.Set(string(userIDKey), key)
		c.Set(string(apiKeyIDKey), key)
		c.Next()
	}
}

func getUserID(c *gin.Context) string {
	v, _ := c.Get(string(userIDKey))
	s, _ := v.(string)
	return s
}

func getAPIKeyID(c *gin.Context) string {
	v, _ := c.Get(string(apiKeyIDKey))
	s, _ := v.(string)
	return s
}

// requestLogger attaches the request id the teacher's logger package
// expects in context, so executor/scheduler log lines carry it.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logger.WithRequestID(c.Request.Context(), c.GetHeader("X-Request-ID"))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
