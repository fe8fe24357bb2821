package middleware

import (
	"net/http"

	"marketdata-relay/internal/services"
	"marketdata-relay/internal/transport/httpdto"
	"marketdata-relay/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler renders errors attached with c.Error as {"error": message}
// when the handler wrote no body of its own.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	if l == nil {
		l = logger.NewNop()
	}
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status := services.HTTPStatus(err)
		log := l.WithContext(c.Request.Context())
		if status >= http.StatusInternalServerError {
			log.Warn("request failed", zap.Int("status", status), zap.Error(err))
		} else {
			log.Debug("request rejected", zap.Int("status", status), zap.Error(err))
		}
		c.JSON(status, httpdto.ErrorBody{Error: err.Error()})
	}
}
