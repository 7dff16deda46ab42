package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(h gin.HandlerFunc) (*httptest.ResponseRecorder, Response) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	var resp Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestResponse(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		w, resp := serve(func(c *gin.Context) { SuccessResponse(c, gin.H{"ok": true}) })
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, CodeSuccess, resp.Code)
		assert.Equal(t, "success", resp.Message)
		assert.NotZero(t, resp.Timestamp)
	})

	t.Run("AppError", func(t *testing.T) {
		w, resp := serve(func(c *gin.Context) {
			ErrorResponse(c, Errorf(ErrInsufficientStock, "sku 4 is short"))
		})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, CodeInsufficientStock, resp.Code)
		assert.Equal(t, "sku 4 is short", resp.Message)
	})

	t.Run("PlainError", func(t *testing.T) {
		w, resp := serve(func(c *gin.Context) { ErrorResponse(c, errors.New("boom")) })
		require.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, CodeInternalError, resp.Code)
	})
}

func TestHTTPStatus(t *testing.T) {
	tests := map[ResponseCode]int{
		CodeSuccess:           http.StatusOK,
		CodeValidation:        http.StatusBadRequest,
		CodeNotFound:          http.StatusNotFound,
		CodeInsufficientStock: http.StatusConflict,
		CodeInvalidTransition: http.StatusConflict,
		CodeLockNotAcquired:   http.StatusServiceUnavailable,
		CodeDatabaseError:     http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, HTTPStatus(code), "code %d", code)
	}
}

func TestAppError(t *testing.T) {
	t.Run("NewError", func(t *testing.T) {
		err := NewError(CodeInvalidParam, "test error")
		assert.Equal(t, CodeInvalidParam, err.Code)
		assert.Nil(t, err.Err)
		assert.Equal(t, "code: 1001, message: test error", err.Error())
	})

	t.Run("IsAppError", func(t *testing.T) {
		appErr, ok := IsAppError(NewError(CodeInvalidParam, "test error"))
		require.True(t, ok)
		assert.Equal(t, CodeInvalidParam, appErr.Code)

		_, ok = IsAppError(errors.New("normal error"))
		assert.False(t, ok)
	})
}
