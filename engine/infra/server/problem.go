package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/gateway/pkg/logger"
)

// respondProblem writes an RFC 7807-style error body and aborts the
// request. The code field carries the machine-readable error kind.
func respondProblem(c *gin.Context, status int, code string, detail string) {
	log := logger.FromContext(c.Request.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "status", status, "code", code, "detail", detail, "path", c.Request.URL.Path)
	} else {
		log.Warn("request failed", "status", status, "code", code, "detail", detail, "path", c.Request.URL.Path)
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(status, gin.H{
		"type":   "about:blank",
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
		"code":   code,
	})
}

// respondData writes a success envelope.
func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}
