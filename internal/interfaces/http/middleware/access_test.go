package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/erp/arbook/internal/domain/access"
	"github.com/erp/arbook/internal/infrastructure/auth"
	"github.com/erp/arbook/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireScreen(t *testing.T) {
	svc := newTestJWTService()
	policy := access.NewPolicy([]access.Rule{
		{Role: "finance", Modules: []string{access.ModuleAR}},
		{Role: "sales", Modules: []string{access.ModuleAR}, Screens: []string{access.ScreenARBook}},
	})

	router := gin.New()
	router.Use(JWTAuthMiddleware(svc))
	router.GET("/verification",
		RequireScreen(AccessConfig{Policy: policy}, access.ModuleAR, access.ScreenARVerification),
		func(c *gin.Context) {
			decision, ok := GetAccessDecision(c)
			require.True(t, ok)
			if decision.Fallback {
				c.String(http.StatusOK, "fallback")
				return
			}
			c.String(http.StatusOK, "granted")
		},
	)

	tests := []struct {
		name     string
		roles    []string
		wantCode int
		wantBody string
	}{
		{"role with whole module", []string{"finance"}, http.StatusOK, "granted"},
		{"role limited to another screen", []string{"sales"}, http.StatusForbidden, ""},
		{"roles are unioned", []string{"sales", "finance"}, http.StatusOK, "granted"},
		{"no access record falls back to full access", []string{"collections"}, http.StatusOK, "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := newTestToken(t, svc, auth.TokenInput{UserID: "u-1", Roles: tt.roles}, time.Minute)
			req := httptest.NewRequest(http.MethodGet, "/verification", nil)
			req.Header.Set(AuthHeaderKey, BearerPrefix+token)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantBody, w.Body.String())
			} else {
				assert.Equal(t, dto.ErrCodeForbidden, decodeError(t, w).Code)
			}
		})
	}
}

func TestRequireScreen_DefaultDeny(t *testing.T) {
	svc := newTestJWTService()
	policy := access.NewPolicy(nil, access.WithDefaultAllow(false))

	router := gin.New()
	router.Use(JWTAuthMiddleware(svc))
	router.GET("/book", RequireScreen(AccessConfig{Policy: policy}, access.ModuleAR, access.ScreenARBook), okHandler)

	token := newTestToken(t, svc, auth.TokenInput{UserID: "u-9"}, time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/book", nil)
	req.Header.Set(AuthHeaderKey, BearerPrefix+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireScreen_NoClaims(t *testing.T) {
	router := gin.New()
	router.GET("/book", RequireScreen(AccessConfig{Policy: access.NewPolicy(nil)}, access.ModuleAR, access.ScreenARBook), okHandler)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/book", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, dto.ErrCodeUnauthorized, decodeError(t, w).Code)
}
