package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/common/logger"
)

// statusFor maps error kinds to HTTP status codes.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict, apperr.DependenciesUnresolved:
		return http.StatusConflict
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.BudgetExceeded:
		return http.StatusPaymentRequired
	case apperr.Concurrency:
		return http.StatusServiceUnavailable
	case apperr.External:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondErr writes a service error as JSON. Structured details (unmet
// dependency ids, budget figures) ride alongside the message.
func respondErr(c *gin.Context, log *logger.Logger, err error) {
	var appErr *apperr.Error
	if !apperr.As(err, &appErr) {
		log.Error("internal error",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{
		"error": appErr.Message,
		"kind":  string(appErr.Kind),
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	status := statusFor(appErr.Kind)
	if status >= 500 {
		log.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("kind", string(appErr.Kind)),
			zap.Error(err))
	}
	c.JSON(status, body)
}
