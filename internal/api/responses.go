package api

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rebound-engine/rebound/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponseFromError sends an error response mapped from the error kind
func ErrorResponseFromError(c *gin.Context, err error) {
	statusCode := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	message := "An internal error occurred"
	var details map[string]string

	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
		details = appErr.Details

		switch appErr.Kind {
		case errors.KindClientError:
			statusCode = http.StatusBadRequest
		case errors.KindAuthentication:
			statusCode = http.StatusUnauthorized
		case errors.KindRateLimit:
			statusCode = http.StatusTooManyRequests
		case errors.KindData, errors.KindLogic:
			statusCode = http.StatusUnprocessableEntity
		}
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message, Details: details},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// BadRequestResponse sends a 400 response
func BadRequestResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success:   false,
		Error:     &APIError{Code: "BAD_REQUEST", Message: message},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// NotFoundResponse sends a 404 response
func NotFoundResponse(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, APIResponse{
		Success:   false,
		Error:     &APIError{Code: "NOT_FOUND", Message: message},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
