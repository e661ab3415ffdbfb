// Package server exposes the gateway's HTTP surface: liveness, the
// Prometheus scrape endpoint, the service-token-guarded admin API over
// the tenant manager and synchronizer, and a mount point for the agent
// transport under gateway-token authentication.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/gateway/engine/auth"
	"github.com/openclaw/gateway/engine/configsync"
	"github.com/openclaw/gateway/engine/infra/monitoring"
	"github.com/openclaw/gateway/engine/tenant"
	"github.com/openclaw/gateway/pkg/logger"
)

const (
	httpReadTimeout       = 15 * time.Second
	httpWriteTimeout      = 15 * time.Second
	httpIdleTimeout       = 60 * time.Second
	serverShutdownTimeout = 5 * time.Second
)

// Options configure the gateway server. Manager is required; the other
// collaborators degrade their routes gracefully when absent.
type Options struct {
	Host         string
	Port         int
	ServiceToken string
	Manager      *tenant.Manager
	Sync         *configsync.Service
	Monitor      *monitoring.Monitor
	Monitoring   *monitoring.Service
	// Fallback handles requests that carry no gateway token (the
	// single-user deployment path). Nil rejects them.
	Fallback gin.HandlerFunc
}

// Server is the gateway HTTP server.
type Server struct {
	opts       Options
	router     *gin.Engine
	agentGroup *gin.RouterGroup
}

// NewServer builds the router and its routes. The server does not
// listen until Run is called.
func NewServer(ctx context.Context, opts *Options) (*Server, error) {
	if opts == nil || opts.Manager == nil {
		return nil, fmt.Errorf("tenant manager is required")
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid server port %d", opts.Port)
	}
	s := &Server{opts: *opts}
	if err := s.buildRouter(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) buildRouter(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger.FromContext(ctx)))

	s.registerHealth(r)
	s.registerAdmin(r)

	authenticator, err := auth.NewAuthenticator(s.opts.Manager, s.opts.Fallback)
	if err != nil {
		return err
	}
	s.agentGroup = r.Group("/", authenticator.Middleware())

	s.router = r
	return nil
}

// Router exposes the underlying gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// AttachAgentRoutes lets the agent transport mount its endpoints under
// gateway-token authentication. Call before Run.
func (s *Server) AttachAgentRoutes(register func(group *gin.RouterGroup)) {
	register(s.agentGroup)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
// In-flight requests get serverShutdownTimeout to drain.
func (s *Server) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	srv := &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway server shutdown: %w", err)
	}
	log.Info("gateway server shut down")
	return nil
}
