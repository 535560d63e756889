package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/erp/arbook/internal/domain/shared"
	"github.com/erp/arbook/internal/infrastructure/auth"
	"github.com/erp/arbook/internal/infrastructure/logger"
	"github.com/erp/arbook/internal/interfaces/http/dto"
	"github.com/erp/arbook/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
	middleware.SetupValidator()
}

// setJWTContext simulates an authenticated request without a real token
func setJWTContext(c *gin.Context, userID string, roles ...string) {
	c.Set(middleware.JWTClaimsKey, &auth.Claims{UserID: userID, Username: userID, Roles: roles})
}

// withUser is a middleware that authenticates every request as userID
func withUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		setJWTContext(c, userID)
		c.Next()
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *dto.ErrorInfo  `json:"error"`
	Meta    *dto.Meta       `json:"meta"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func TestGetRequestID(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*gin.Context)
		expectedID string
	}{
		{
			name: "from context",
			setup: func(c *gin.Context) {
				c.Set(logger.GinRequestIDKey, "ctx-request-id")
			},
			expectedID: "ctx-request-id",
		},
		{
			name: "from header",
			setup: func(c *gin.Context) {
				c.Request.Header.Set(middleware.RequestIDHeader, "header-request-id")
			},
			expectedID: "header-request-id",
		},
		{
			name: "context wins over header",
			setup: func(c *gin.Context) {
				c.Set(logger.GinRequestIDKey, "ctx-request-id")
				c.Request.Header.Set(middleware.RequestIDHeader, "header-request-id")
			},
			expectedID: "ctx-request-id",
		},
		{
			name:       "absent",
			setup:      func(*gin.Context) {},
			expectedID: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(c)
			assert.Equal(t, tt.expectedID, getRequestID(c))
		})
	}
}

func TestActingUser(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, actingUser(c))

	setJWTContext(c, "u-100")
	assert.Equal(t, "u-100", actingUser(c))
}

// =============================================================================
// HandleError
// =============================================================================

func TestBaseHandler_HandleError(t *testing.T) {
	unbalanced := shared.NewDomainError(shared.CodeValidation, "variance exceeds tolerance").
		WithDetail("variance", "150000")

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
		expectedDetail map[string]any
	}{
		{
			name:           "not found",
			err:            shared.NewDomainError(shared.CodeNotFound, "receipt R-9 not found"),
			expectedStatus: http.StatusNotFound,
			expectedCode:   dto.ErrCodeNotFound,
		},
		{
			name:           "unbalanced keeps details",
			err:            unbalanced,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedCode:   dto.ErrCodeUnbalanced,
			expectedDetail: map[string]any{"variance": "150000"},
		},
		{
			name:           "wrapped upstream outage",
			err:            fmt.Errorf("loading: %w", shared.NewDomainError(shared.CodeDataUnavailable, "ledger down")),
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   dto.ErrCodeDataUnavailable,
		},
		{
			name:           "already posted",
			err:            shared.ErrAlreadyPosted,
			expectedStatus: http.StatusConflict,
			expectedCode:   dto.ErrCodeAlreadyPosted,
		},
		{
			name:           "non-domain error is internal",
			err:            errors.New("pq: connection reset"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   dto.ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Set(logger.GinRequestIDKey, "req-1")

			h := &BaseHandler{}
			h.HandleError(c, tt.err)

			assert.Equal(t, tt.expectedStatus, w.Code)
			env := decodeEnvelope(t, w)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.expectedCode, env.Error.Code)
			assert.Equal(t, "req-1", env.Error.RequestID)
			assert.Equal(t, tt.expectedDetail, env.Error.Details)
		})
	}
}

func TestBaseHandler_HandleError_InternalMessageHidden(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	h := &BaseHandler{}
	h.HandleError(c, errors.New("secret dsn leaked"))

	assert.NotContains(t, w.Body.String(), "secret dsn")
	assert.Len(t, c.Errors, 1)
}

// =============================================================================
// Binding
// =============================================================================

type bindRequest struct {
	ReceiptID string `json:"receipt_id" binding:"required"`
}

func TestBaseHandler_BindJSON(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		expectedOK   bool
		expectedCode string
		expectedFld  string
	}{
		{name: "valid", body: `{"receipt_id":"R-1"}`, expectedOK: true},
		{name: "malformed", body: `{"receipt_id":`, expectedCode: dto.ErrCodeInvalidJSON},
		{name: "missing field", body: `{}`, expectedCode: dto.ErrCodeValidation, expectedFld: "receipt_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			c.Request.Header.Set("Content-Type", "application/json")

			h := &BaseHandler{}
			var req bindRequest
			ok := h.BindJSON(c, &req)

			assert.Equal(t, tt.expectedOK, ok)
			if tt.expectedOK {
				assert.Equal(t, "R-1", req.ReceiptID)
				return
			}
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.True(t, c.IsAborted())
			env := decodeEnvelope(t, w)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.expectedCode, env.Error.Code)
			if tt.expectedFld != "" {
				require.Len(t, env.Error.Fields, 1)
				assert.Equal(t, tt.expectedFld, env.Error.Fields[0].Field)
			}
		})
	}
}

func TestBaseHandler_SuccessWithWarnings(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	h := &BaseHandler{}
	h.SuccessWithWarnings(c, map[string]string{"k": "v"}, []string{"could not load currency rates"}, true)

	assert.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	assert.True(t, env.Success)
	require.NotNil(t, env.Meta)
	assert.True(t, env.Meta.Degraded)
	assert.Equal(t, []string{"could not load currency rates"}, env.Meta.Warnings)
}
