// Package sync drives the gateway's config synchronizer from the
// command line.
package sync

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/cli/api"
	"github.com/openclaw/gateway/cli/helpers"
)

// NewSyncCommand creates the sync command group.
func NewSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and trigger config synchronization",
	}
	cmd.AddCommand(
		newNowCommand(),
		newStatusCommand(),
	)
	return cmd
}

func newNowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "now",
		Short: "Run one synchronization pass and report the result",
		RunE:  executeNowCommand,
	}
}

func executeNowCommand(cmd *cobra.Command, _ []string) error {
	client, err := adminClient(cmd)
	if err != nil {
		return err
	}
	result, err := client.SyncNow(cmd.Context())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "sync complete: %d tenants updated\n", result.UsersUpdated)
	return err
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the synchronizer's current state",
		RunE:  executeStatusCommand,
	}
}

func executeStatusCommand(cmd *cobra.Command, _ []string) error {
	client, err := adminClient(cmd)
	if err != nil {
		return err
	}
	status, err := client.SyncStatus(cmd.Context())
	if err != nil {
		return err
	}
	return helpers.WriteRawJSON(cmd.OutOrStdout(), status)
}

func adminClient(cmd *cobra.Command) (*api.Client, error) {
	cfg, err := helpers.LoadGlobalConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := helpers.RequireMultiTenant(cfg); err != nil {
		return nil, err
	}
	opts, err := api.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return api.NewClient(opts)
}
