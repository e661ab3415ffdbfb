// Package tenants holds the read-only tenant inspection commands. They
// talk to a running gateway through the admin API.
package tenants

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/openclaw/gateway/cli/api"
	"github.com/openclaw/gateway/cli/helpers"
)

// NewTenantsCommand creates the tenants command group.
func NewTenantsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Inspect gateway tenants",
		Long:  "List and inspect the tenants a running gateway knows about, on disk and in cache.",
	}
	cmd.AddCommand(
		newListCommand(),
		newShowCommand(),
		newStatsCommand(),
	)
	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known tenants",
		RunE:  executeListCommand,
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func executeListCommand(cmd *cobra.Command, _ []string) error {
	client, err := adminClient(cmd)
	if err != nil {
		return err
	}
	list, err := client.ListTenants(cmd.Context())
	if err != nil {
		return err
	}
	if jsonMode(cmd) {
		return helpers.WriteJSON(cmd.OutOrStdout(), list)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "USER ID\tSTATUS\tCACHED\tPENDING\tLAST ACTIVITY")
	for _, t := range list.Tenants {
		status := t.Status
		if status == "" {
			status = "-"
		}
		lastActivity := "-"
		if t.LastActivityAt != nil {
			lastActivity = helpers.FormatAge(*t.LastActivityAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", t.UserID, status, t.Cached, t.PendingRequests, lastActivity)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "\n%d tenants\n", list.Total)
	return err
}

func newShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show one tenant's snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  executeShowCommand,
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func executeShowCommand(cmd *cobra.Command, args []string) error {
	client, err := adminClient(cmd)
	if err != nil {
		return err
	}
	detail, err := client.GetTenant(cmd.Context(), args[0])
	if err != nil {
		if api.IsNotFound(err) {
			return helpers.NewCliError("TENANT_NOT_FOUND", fmt.Sprintf("no tenant %q on this gateway", args[0]))
		}
		return err
	}
	if jsonMode(cmd) {
		return helpers.WriteJSON(cmd.OutOrStdout(), detail)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "User:      %s\n", detail.UserID)
	fmt.Fprintf(out, "Status:    %s\n", detail.Status)
	fmt.Fprintf(out, "Workspace: %s\n", detail.WorkspacePath)
	fmt.Fprintf(out, "Agent dir: %s\n", detail.AgentDir)
	fmt.Fprintf(out, "Pending:   %d\n", detail.PendingRequests)
	fmt.Fprintf(out, "Last seen: %s\n", helpers.FormatAge(detail.LastActivityAt))
	for _, field := range configSummaryFields(detail.Config) {
		fmt.Fprintf(out, "%-10s %s\n", field.name+":", field.value)
	}
	fmt.Fprintln(out, "Config:")
	return helpers.WriteRawJSON(out, detail.Config)
}

type summaryField struct {
	name  string
	value string
}

// configSummaryFields probes the opaque tenant config for fields worth
// surfacing above the raw dump. The config schema belongs to the agent
// runtime, so absent fields are simply skipped.
func configSummaryFields(raw []byte) []summaryField {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil
	}
	parsed := gjson.ParseBytes(raw)
	probes := []struct {
		name string
		path string
	}{
		{"Model", "model"},
		{"Model", "agent.model"},
		{"Channels", "channels"},
		{"Plugins", "plugins"},
	}
	fields := make([]summaryField, 0, len(probes))
	seen := make(map[string]bool, len(probes))
	for _, probe := range probes {
		if seen[probe.name] {
			continue
		}
		value := parsed.Get(probe.path)
		if !value.Exists() {
			continue
		}
		seen[probe.name] = true
		switch {
		case value.IsObject():
			fields = append(fields, summaryField{probe.name, fmt.Sprintf("%d entries", len(value.Map()))})
		case value.IsArray():
			fields = append(fields, summaryField{probe.name, fmt.Sprintf("%d entries", len(value.Array()))})
		default:
			fields = append(fields, summaryField{probe.name, value.String()})
		}
	}
	return fields
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show gateway tenant statistics",
		RunE:  executeStatsCommand,
	}
}

func executeStatsCommand(cmd *cobra.Command, _ []string) error {
	client, err := adminClient(cmd)
	if err != nil {
		return err
	}
	stats, err := client.Stats(cmd.Context())
	if err != nil {
		return err
	}
	return helpers.WriteRawJSON(cmd.OutOrStdout(), stats)
}

// adminClient builds the admin API client from the global config,
// gating on multi-tenant mode first.
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

func jsonMode(cmd *cobra.Command) bool {
	jsonFlag, err := cmd.Flags().GetBool("json")
	return err == nil && jsonFlag
}
