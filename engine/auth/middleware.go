package auth

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/gateway/engine/tenant"
	"github.com/openclaw/gateway/pkg/logger"
)

// Wire error codes for authentication failures.
const (
	ErrorCodeMissingToken = "gateway_token_missing"
	ErrorCodeInvalidToken = "gateway_token_invalid"
)

// Authenticator guards routes with gateway-token authentication. A
// request that offers a gateway token either authenticates as that
// tenant or is rejected; it never falls back to the single-user path.
type Authenticator struct {
	manager  *tenant.Manager
	fallback gin.HandlerFunc
}

// NewAuthenticator builds an authenticator. fallback handles requests
// that carry no gateway token at all (the single-user deployment path);
// a nil fallback rejects them.
func NewAuthenticator(manager *tenant.Manager, fallback gin.HandlerFunc) (*Authenticator, error) {
	if manager == nil {
		return nil, fmt.Errorf("tenant manager is required")
	}
	return &Authenticator{manager: manager, fallback: fallback}, nil
}

// Middleware authenticates each request and pins the tenant instance
// for the request's lifetime via the pending-request counter.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, offered := ExtractGatewayToken("", c.Request.Header)
		if !offered {
			if a.fallback != nil {
				a.fallback(c)
				return
			}
			reject(c, ErrorCodeMissingToken, "no gateway token offered")
			return
		}

		ctx := c.Request.Context()
		userID, ok := a.manager.AuthenticateToken(ctx, token)
		if !ok {
			reject(c, ErrorCodeInvalidToken, "gateway token rejected")
			return
		}

		ctx = WithUserID(ctx, userID)
		if inst, err := a.manager.GetInstance(ctx, userID); err == nil && inst != nil {
			ctx = WithInstance(ctx, inst)
		}
		c.Request = c.Request.WithContext(ctx)
		pinned := a.manager.IncrementPending(userID)
		logger.FromContext(ctx).Debug("request authenticated", "user_id", userID)
		c.Next()
		if pinned {
			a.manager.DecrementPending(userID)
		}
	}
}

func reject(c *gin.Context, code string, detail string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":  code,
		"detail": detail,
	})
}
