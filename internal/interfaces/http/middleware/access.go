package middleware

import (
	"github.com/erp/arbook/internal/domain/access"
	"github.com/erp/arbook/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessDecisionKey holds the access decision for the current request
const AccessDecisionKey = "access_decision"

// AccessConfig holds configuration for screen access middleware
type AccessConfig struct {
	Policy *access.Policy
	Logger *zap.Logger
}

// RequireScreen lets a request through only when the policy grants the
// acting user the screen within module. Users without any access record are
// let through when the policy's default allows it; that fallback is logged.
func RequireScreen(cfg AccessConfig, module, screen string) gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		claims := GetJWTClaims(c)
		if claims == nil {
			abortWithError(c, dto.ErrCodeUnauthorized, "Authentication required")
			return
		}

		decision := cfg.Policy.Evaluate(claims.AccessSubject(), module, screen)
		c.Set(AccessDecisionKey, decision)

		if !decision.Allowed {
			log.Warn("Screen access denied",
				zap.String("user_id", claims.UserID),
				zap.String("module", module),
				zap.String("screen", screen),
				zap.String("reason", decision.Reason),
			)
			abortWithError(c, dto.ErrCodeForbidden, "You do not have access to this screen")
			return
		}
		if decision.Fallback {
			log.Warn("No access record for user, granting full access",
				zap.String("user_id", claims.UserID),
				zap.String("module", module),
				zap.String("screen", screen),
			)
		}
		c.Next()
	}
}

// GetAccessDecision returns the decision taken by RequireScreen
func GetAccessDecision(c *gin.Context) (access.Decision, bool) {
	v, ok := c.Get(AccessDecisionKey)
	if !ok {
		return access.Decision{}, false
	}
	d, ok := v.(access.Decision)
	return d, ok
}
