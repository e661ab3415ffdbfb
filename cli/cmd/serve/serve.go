// Package serve boots the gateway: tenant manager, cloud client, config
// synchronizer, monitor, metrics and the HTTP server, wired from the
// OpenClaw global config.
package serve

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/cli/helpers"
	"github.com/openclaw/gateway/engine/cloud"
	"github.com/openclaw/gateway/engine/configsync"
	"github.com/openclaw/gateway/engine/infra/monitoring"
	"github.com/openclaw/gateway/engine/infra/server"
	"github.com/openclaw/gateway/engine/tenant"
	"github.com/openclaw/gateway/pkg/config"
	"github.com/openclaw/gateway/pkg/logger"
)

// Default monitor thresholds; the monitor disables any check whose
// threshold is zero.
const (
	defaultHeapAlertMB        = 2048
	defaultActivePercentAlert = 90
	defaultSyncFailuresAlert  = 3
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the multi-tenant gateway",
		Long:    "Start the gateway server: authenticates gateway tokens, materializes per-user workspaces and keeps tenant configs in sync with the cloud backend.",
		RunE:    executeServeCommand,
	}
	cmd.Flags().String("host", "", "Bind address (overrides gateway.host)")
	cmd.Flags().Int("port", 0, "Listen port (overrides gateway.port)")
	cmd.Flags().Bool("metrics", true, "Expose Prometheus metrics on /metrics")
	return cmd
}

func executeServeCommand(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := helpers.LoadGlobalConfig(cmd)
	if err != nil {
		return err
	}
	if err := helpers.RequireMultiTenant(cfg); err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}
	reconfigureLogger(cmd, cfg)

	log := logger.GetDefault()
	ctx = logger.ContextWithLogger(ctx, log)
	gin.SetMode(gin.ReleaseMode)

	if !isPortAvailable(ctx, cfg.Gateway.Host, cfg.Gateway.Port) {
		return fmt.Errorf("port %d is not available on host %s", cfg.Gateway.Port, cfg.Gateway.Host)
	}

	return runGateway(ctx, cmd, cfg)
}

// runGateway assembles the collaborators and serves until the context
// is canceled. Teardown order is the reverse of construction: HTTP
// first so no request arrives at a stopped manager.
func runGateway(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	log := logger.FromContext(ctx)

	cloudClient, err := cloud.NewClient(&cloud.Options{
		BaseURL:      cfg.MultiTenant.CloudBackendURL,
		ServiceToken: cfg.MultiTenant.ServiceToken.Value(),
	})
	if err != nil {
		return fmt.Errorf("failed to create cloud client: %w", err)
	}

	manager, err := tenant.NewManager(&tenant.Options{
		ConfigRoot:      cfg.MultiTenant.ConfigRoot,
		WorkspaceRoot:   cfg.MultiTenant.WorkspaceRoot,
		TemplatePath:    cfg.MultiTenant.TemplatePath,
		LLMProxyURL:     cfg.MultiTenant.EffectiveLLMProxyURL(),
		MaxCachedUsers:  cfg.MultiTenant.MaxCachedUsers,
		UserIdleTimeout: cfg.MultiTenant.UserIdleTimeout(),
		Verifier:        cloudClient,
	})
	if err != nil {
		return fmt.Errorf("failed to create tenant manager: %w", err)
	}
	manager.Start(ctx)
	defer manager.Shutdown(context.WithoutCancel(ctx))

	syncService, err := configsync.NewService(cloudClient, manager, &configsync.Options{
		Interval: cfg.MultiTenant.SyncInterval(),
	})
	if err != nil {
		return fmt.Errorf("failed to create config synchronizer: %w", err)
	}
	syncService.Start(ctx)
	defer syncService.Stop()

	metricsEnabled, err := cmd.Flags().GetBool("metrics")
	if err != nil {
		return fmt.Errorf("failed to get metrics flag: %w", err)
	}
	metrics := monitoring.NewServiceWithFallback(ctx, &monitoring.Config{Enabled: metricsEnabled})
	if _, err := monitoring.RegisterTenantMetrics(metrics.Meter(), manager.Stats); err != nil {
		log.Warn("failed to register tenant metrics", "error", err)
	}

	monitor, err := monitoring.NewMonitor(manager, &monitoring.MonitorOptions{
		HeapAlertMB:        defaultHeapAlertMB,
		ActivePercentAlert: defaultActivePercentAlert,
		SyncFailuresAlert:  defaultSyncFailuresAlert,
	})
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	srv, err := server.NewServer(ctx, &server.Options{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		ServiceToken: cfg.MultiTenant.ServiceToken.Value(),
		Manager:      manager,
		Sync:         syncService,
		Monitor:      monitor,
		Monitoring:   metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("gateway starting",
		"host", cfg.Gateway.Host,
		"port", cfg.Gateway.Port,
		"cloud_backend", cfg.MultiTenant.CloudBackendURL,
		"max_cached_users", cfg.MultiTenant.MaxCachedUsers,
	)
	return srv.Run(ctx)
}

// applyServeFlags lets explicit flags override the file-sourced server
// address.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("host") {
		host, err := cmd.Flags().GetString("host")
		if err != nil {
			return fmt.Errorf("failed to get host flag: %w", err)
		}
		cfg.Gateway.Host = host
	}
	if cmd.Flags().Changed("port") {
		port, err := cmd.Flags().GetInt("port")
		if err != nil {
			return fmt.Errorf("failed to get port flag: %w", err)
		}
		cfg.Gateway.Port = port
	}
	return nil
}

// reconfigureLogger re-runs logger setup with config-file values for
// anything the flags left at their defaults.
func reconfigureLogger(cmd *cobra.Command, cfg *config.Config) {
	logLevel, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return
	}
	if !cmd.Flags().Changed("log-level") && cfg.Gateway.LogLevel != "" {
		logLevel = cfg.Gateway.LogLevel
	}
	if !cmd.Flags().Changed("log-json") {
		logJSON = cfg.Gateway.LogJSON
	}
	logger.SetupLogger(logLevel, logJSON, logSource)
}

// isPortAvailable probes the listen address so a taken port fails with
// a direct message instead of a server start error.
func isPortAvailable(ctx context.Context, host string, port int) bool {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
