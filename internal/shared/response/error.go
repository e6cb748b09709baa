package response

import (
	"errors"

	"github.com/gin-gonic/gin"
	apperrors "github.com/simdesk/server/internal/shared/errors"
)

// ErrorMapping maps a domain error to an HTTP status and error code.
type ErrorMapping struct {
	Err     error
	Status  int
	Code    string
	Message string
}

// Error writes an AppError using the standard error envelope.
func Error(c *gin.Context, err *apperrors.AppError) {
	c.JSON(err.StatusCode, err.ToResponse())
}

// AbortWithError writes an AppError and aborts the handler chain.
func AbortWithError(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}

// HandleError writes the first mapping matching err, or falls back to the
// AppError carried by err, or to a generic internal error.
// details are attached to the written error when non-empty.
func HandleError(c *gin.Context, err error, mappings []ErrorMapping, details map[string]any) {
	appErr := Resolve(err, mappings)
	for k, v := range details {
		appErr = appErr.WithDetail(k, v)
	}
	Error(c, appErr)
}

// Resolve converts err into an AppError using mappings.
func Resolve(err error, mappings []ErrorMapping) *apperrors.AppError {
	for _, m := range mappings {
		if errors.Is(err, m.Err) {
			msg := m.Message
			if msg == "" {
				msg = m.Err.Error()
			}
			return apperrors.NewAppError(m.Code, msg, m.Status, err)
		}
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperrors.Internal("internal error", err)
}
