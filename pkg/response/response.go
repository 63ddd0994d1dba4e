package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/botfleet/botfleet-api/internal/types"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeDuplicateResource  = "DUPLICATE_RESOURCE"
	ErrCodeDuplicateInFlight  = "DUPLICATE_IN_FLIGHT"
	ErrCodeGateRejected       = "GATE_REJECTED"
	ErrCodeBreakerTripped     = "BREAKER_TRIPPED"
	ErrCodeBudgetExhausted    = "BUDGET_EXHAUSTED"
	ErrCodePersistenceError   = "PERSISTENCE_ERROR"
	ErrCodeExecutionError     = "EXECUTION_ERROR"
	ErrCodeDataUnavailable    = "DATA_UNAVAILABLE"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, types.ErrBotNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	case errors.Is(err, types.ErrValidation):
		validationFailed(c, err.Error())
	case errors.Is(err, types.ErrDuplicateInFlight):
		conflictWithCode(c, ErrCodeDuplicateInFlight, err.Error())
	case errors.Is(err, types.ErrDataUnavailable):
		ServiceUnavailable(c, "Required data is unavailable")
	case errors.Is(err, types.ErrPersistence):
		errorWithStatus(c, http.StatusInternalServerError, ErrCodePersistenceError, err.Error())
	case errors.Is(err, types.ErrExecutionTimeout), errors.Is(err, types.ErrExecutionRejected):
		errorWithStatus(c, http.StatusBadGateway, ErrCodeExecutionError, err.Error())
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotFound,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeBadRequest,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnauthorized,
			Message: message,
		},
	})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeForbidden,
			Message: message,
		},
	})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeInternalError,
			Message: message,
		},
	})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeDuplicateResource,
			Message: message,
		},
	})
}

// ServiceUnavailable sends a 503 response
func ServiceUnavailable(c *gin.Context, message string) {
	c.JSON(http.StatusServiceUnavailable, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeDataUnavailable,
			Message: message,
		},
	})
}

func validationFailed(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeValidationFailed,
			Message: message,
		},
	})
}

func conflictWithCode(c *gin.Context, code, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

func errorWithStatus(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// handleError determines the appropriate error response
func handleError(c *gin.Context, err error) {
	var rejection *types.GateRejection
	if errors.As(err, &rejection) {
		c.JSON(http.StatusUnprocessableEntity, Response{
			Success: false,
			Error: &Error{
				Code:    ErrCodeGateRejected,
				Message: rejection.Error(),
			},
		})
		return
	}

	// Default to internal server error
	InternalError(c, "An unexpected error occurred")
}
