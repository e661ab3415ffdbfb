// Package helpers holds the pieces shared by all gateway CLI commands:
// global config loading, the multi-tenant availability gate and output
// rendering.
package helpers

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/pkg/config"
	"github.com/openclaw/gateway/pkg/logger"
)

// CliError carries a stable machine-readable code next to the human
// message so scripted callers can branch without string matching.
type CliError struct {
	Code    string
	Message string
}

func (e *CliError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCliError creates a CLI error with a code and message.
func NewCliError(code, message string) *CliError {
	return &CliError{Code: code, Message: message}
}

// LoadGlobalConfig reads the OpenClaw global config honoring the
// --config flag; without the flag the standard search paths apply. A
// missing config is not fatal here — commands that need the
// multi-tenant block gate on RequireMultiTenant instead.
func LoadGlobalConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	ctx := cmd.Context()
	if path != "" {
		return config.LoadAt(ctx, path)
	}
	cfg, err := config.Load(ctx)
	if errors.Is(err, config.ErrNotFound) {
		logger.FromContext(ctx).Debug("no global config found, using defaults")
		return config.Default(), nil
	}
	return cfg, err
}

// RequireMultiTenant gates commands that only make sense with the
// multi-tenant block enabled. The returned error names the fix.
func RequireMultiTenant(cfg *config.Config) error {
	if cfg == nil || !cfg.MultiTenant.Enabled {
		return NewCliError("CONFIG_UNAVAILABLE",
			"multi-tenant mode is not enabled; set multiTenant.enabled=true and multiTenant.cloudBackendUrl in the OpenClaw global config")
	}
	if cfg.MultiTenant.ConfigRoot == "" || cfg.MultiTenant.WorkspaceRoot == "" {
		return NewCliError("CONFIG_UNAVAILABLE",
			"multi-tenant mode needs multiTenant.configRoot and multiTenant.workspaceRoot paths")
	}
	return nil
}
