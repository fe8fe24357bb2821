package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"marketdata-relay/internal/services"
	relay_errors "marketdata-relay/pkg/errors"
	"marketdata-relay/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// SessionMiddleware resolves the session token to a username and stores it in
// the request context. Requests without a valid session are answered with 401.
func SessionMiddleware(validator TokenValidator, cookieName string, l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c, cookieName)
		username, err := validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			status := services.HTTPStatus(err)
			message := "User not logged in"
			switch status {
			case http.StatusServiceUnavailable:
				message = "Session store unavailable"
				if l != nil {
					l.WithContext(c.Request.Context()).Error("session lookup failed", zap.Error(err))
				}
			case http.StatusUnauthorized:
				if errors.Is(err, relay_errors.ErrSessionExpired) {
					message = "Session expired"
				}
			default:
				status = http.StatusUnauthorized
			}
			c.AbortWithStatusJSON(status, gin.H{"error": message})
			return
		}

		ctx := services.WithUsername(c.Request.Context(), username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// extractToken reads the session cookie, then a bearer header, then the
// token query parameter used by browser sockets.
func extractToken(c *gin.Context, cookieName string) string {
	if cookieName != "" {
		if value, err := c.Cookie(cookieName); err == nil && value != "" {
			return value
		}
	}
	if token := extractBearer(c); token != "" {
		return token
	}
	return strings.TrimSpace(c.Query("token"))
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
