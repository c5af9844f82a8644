package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/lumapix/lumapix/internal/payment/domain"
	userdomain "github.com/lumapix/lumapix/internal/user/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	var validation *ValidationErrors
	if errors.As(err, &validation) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  validation.Errors,
		}
	}

	switch {
	case errors.Is(err, userdomain.ErrUserNotFound),
		errors.Is(err, paymentdomain.ErrIntentNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}
	case errors.Is(err, paymentdomain.ErrMissingCustomerEmail):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: "customer email is required"}
	case errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, userdomain.ErrUnknownBucket):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: "invalid request"}
	case errors.Is(err, userdomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorPayload{Type: "insufficient_balance", Message: "not enough tokens"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal error"}
	}
}
