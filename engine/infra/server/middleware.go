package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/gateway/pkg/logger"
)

// LoggerMiddleware attaches the server logger to each request context
// and logs completed requests.
func LoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		c.Request = c.Request.WithContext(logger.ContextWithLogger(c.Request.Context(), log))
		c.Next()
		log.Info("request completed",
			"method", c.Request.Method,
			"path", path,
			"status_code", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// ServiceTokenAuth guards admin routes with the static service token.
// With no token configured every request is refused, so a misconfigured
// deployment fails closed.
func ServiceTokenAuth(serviceToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if serviceToken == "" {
			respondProblem(c, http.StatusUnauthorized, "admin_api_disabled",
				"no service token configured")
			return
		}
		offered, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			respondProblem(c, http.StatusUnauthorized, "service_token_missing",
				"admin API requires a bearer service token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(offered), []byte(serviceToken)) != 1 {
			respondProblem(c, http.StatusUnauthorized, "service_token_invalid",
				"service token rejected")
			return
		}
		c.Next()
	}
}

func bearerToken(authorization string) (string, bool) {
	parts := strings.Fields(authorization)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], parts[1] != ""
}
