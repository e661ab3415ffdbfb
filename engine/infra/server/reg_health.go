package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/gateway/pkg/version"
)

func (s *Server) registerHealth(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": version.GetVersion(),
		})
	})
	if s.opts.Monitoring != nil {
		r.GET(s.opts.Monitoring.Path(), gin.WrapH(s.opts.Monitoring.ExporterHandler()))
	}
}
