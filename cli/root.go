package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/cli/cmd/serve"
	synccmd "github.com/openclaw/gateway/cli/cmd/sync"
	"github.com/openclaw/gateway/cli/cmd/tenants"
	"github.com/openclaw/gateway/pkg/logger"
	"github.com/openclaw/gateway/pkg/version"
)

// RootCmd builds the gateway CLI.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "openclaw-gateway",
		Short:         "OpenClaw multi-tenant gateway",
		Long:          "Serve and inspect the OpenClaw multi-tenant gateway: per-user agent workspaces, token authentication and cloud config synchronization.",
		Version:       version.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadEnvFile(cmd); err != nil {
				return err
			}
			logLevel, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
			if err != nil {
				return err
			}
			logger.SetupLogger(logLevel, logJSON, logSource)
			return nil
		},
	}

	root.PersistentFlags().String("config", "", "Path to the OpenClaw global config file (overrides the search paths)")
	root.PersistentFlags().String("env-file", "", "Env file to load before reading configuration")
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	root.PersistentFlags().Bool("log-source", false, "Annotate logs with source locations")

	root.AddCommand(
		serve.NewServeCommand(),
		tenants.NewTenantsCommand(),
		synccmd.NewSyncCommand(),
		newVersionCommand(),
	)

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "openclaw-gateway %s (commit %s, built %s)\n",
				info.Version, info.CommitHash, info.BuildDate)
			return err
		},
	}
}
