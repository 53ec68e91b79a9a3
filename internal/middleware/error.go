package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/notify-sync/pkg/errors"
	"github.com/jwalitptl/notify-sync/pkg/logger"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// ErrorHandler logs errors attached with c.Error and renders the last one
// unless the handler already wrote a response.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		traceID := c.GetString(ContextRequestID)
		for _, e := range c.Errors {
			log.Error(e.Err, "Request error",
				"request_id", traceID,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		}

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last().Err
		c.JSON(StatusOf(lastErr), ErrorResponse{
			Code:    StatusOf(lastErr),
			Message: lastErr.Error(),
			TraceID: traceID,
		})
	}
}

// StatusOf maps an error to the HTTP status the local API answers with.
func StatusOf(err error) int {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrBadRequest:
		return http.StatusBadRequest
	case apperrors.ErrUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrForbidden:
		return http.StatusForbidden
	case apperrors.ErrUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
