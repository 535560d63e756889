package handler

import (
	"github.com/erp/arbook/internal/domain/access"
	"github.com/erp/arbook/internal/interfaces/http/dto"
	"github.com/erp/arbook/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
)

// AccessHandler tells a client which modules to show the acting user
type AccessHandler struct {
	BaseHandler
	policy *access.Policy
}

// NewAccessHandler creates a new AccessHandler
func NewAccessHandler(policy *access.Policy) *AccessHandler {
	return &AccessHandler{policy: policy}
}

// ModulesResponse lists granted modules; All means every module
type ModulesResponse struct {
	UserID  string   `json:"user_id"`
	Modules []string `json:"modules"`
	All     bool     `json:"all"`
}

// Modules returns the modules granted to the acting user
func (h *AccessHandler) Modules(c *gin.Context) {
	claims := middleware.GetJWTClaims(c)
	if claims == nil {
		h.Error(c, dto.ErrCodeUnauthorized, "Authentication required")
		return
	}
	modules, all := h.policy.AllowedModules(claims.AccessSubject())
	if modules == nil {
		modules = []string{}
	}
	h.Success(c, ModulesResponse{UserID: claims.UserID, Modules: modules, All: all})
}

// RegisterRoutes mounts the endpoint under /access
func (h *AccessHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/access/modules", h.Modules)
}
