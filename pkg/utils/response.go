package utils

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response standard response structure
type Response struct {
	Code      ResponseCode `json:"code"`
	Message   string       `json:"message"`
	Data      interface{}  `json:"data,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// SuccessResponse returns success response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:      CodeSuccess,
		Message:   "success",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// Error writes an error response whose HTTP status follows the code
func Error(c *gin.Context, code ResponseCode, message string) {
	c.AbortWithStatusJSON(HTTPStatus(code), Response{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
}

// ErrorResponse writes err, keeping the code of an *AppError
func ErrorResponse(c *gin.Context, err error) {
	Error(c, GetErrorCode(err), GetErrorMessage(err))
}

// HTTPStatus maps an application code to an HTTP status
func HTTPStatus(code ResponseCode) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidParam, CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInsufficientStock, CodeReservationDone, CodeInvalidTransition:
		return http.StatusConflict
	case CodeLockNotAcquired, CodeDispatchFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
