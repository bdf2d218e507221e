package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"callgrid/internal/core/domain"
	apperrors "callgrid/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestErrorHandlerMiddleware_MapsDomainErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{"session not found", domain.ErrSessionNotFound, http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"wrapped not found", fmt.Errorf("layout: %w", domain.ErrSessionNotFound), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"session exists", domain.ErrSessionExists, http.StatusConflict, apperrors.ErrCodeConflict},
		{"pin rejected", domain.ErrPinRejected, http.StatusConflict, apperrors.ErrCodePinRejected},
		{"invalid viewport", domain.ErrInvalidViewport, http.StatusBadRequest, apperrors.ErrCodeInvalidViewport},
		{"session closed", apperrors.NewSessionClosedError("call-1"), http.StatusGone, apperrors.ErrCodeSessionClosed},
		{"app error", apperrors.NewRateLimitError(), http.StatusTooManyRequests, apperrors.ErrCodeRateLimit},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
			router.GET("/fail", func(c *gin.Context) {
				_ = c.Error(tt.err)
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/fail", nil)
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(tt.code), body["error"])
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/panic", func(c *gin.Context) {
		panic("kaboom")
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/panic", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
