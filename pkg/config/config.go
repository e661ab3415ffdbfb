package config

import (
	"strings"
	"time"
)

// Config is the OpenClaw global configuration as the gateway sees it.
// Keys are camelCase to match the on-disk JSON written by the rest of
// the OpenClaw tooling; sections the gateway does not know are ignored
// rather than rejected.
type Config struct {
	Gateway     GatewayConfig     `koanf:"gateway"`
	MultiTenant MultiTenantConfig `koanf:"multiTenant"`
}

// GatewayConfig contains HTTP server configuration.
type GatewayConfig struct {
	Host     string `koanf:"host"     env:"OPENCLAW_GATEWAY_HOST"`
	Port     int    `koanf:"port"     env:"OPENCLAW_GATEWAY_PORT" validate:"min=1,max=65535"`
	LogLevel string `koanf:"logLevel" env:"OPENCLAW_LOG_LEVEL"    validate:"omitempty,oneof=debug info warn error disabled"`
	LogJSON  bool   `koanf:"logJson"  env:"OPENCLAW_LOG_JSON"`
}

// MultiTenantConfig is the multi-tenant options block of the global
// config. Interval fields are integer milliseconds because that is how
// the file format stores them; use the duration getters in Go code.
type MultiTenantConfig struct {
	Enabled           bool            `koanf:"enabled"           env:"OPENCLAW_MULTI_TENANT_ENABLED"`
	CloudBackendURL   string          `koanf:"cloudBackendUrl"   env:"OPENCLAW_CLOUD_BACKEND_URL"`
	ServiceToken      SensitiveString `koanf:"serviceToken"`
	ConfigRoot        string          `koanf:"configRoot"        env:"OPENCLAW_CONFIG_ROOT"`
	WorkspaceRoot     string          `koanf:"workspaceRoot"     env:"OPENCLAW_WORKSPACE_ROOT"`
	TemplatePath      string          `koanf:"templatePath"      env:"OPENCLAW_TEMPLATE_PATH"`
	LLMProxyURL       string          `koanf:"llmProxyUrl"       env:"OPENCLAW_LLM_PROXY_URL"`
	MaxCachedUsers    int             `koanf:"maxCachedUsers"    validate:"min=1"`
	UserIdleTimeoutMs int64           `koanf:"userIdleTimeoutMs" validate:"min=1"`
	SyncIntervalMs    int64           `koanf:"syncIntervalMs"    validate:"min=1"`
}

// UserIdleTimeout returns the idle eviction timeout as a duration.
func (c *MultiTenantConfig) UserIdleTimeout() time.Duration {
	return time.Duration(c.UserIdleTimeoutMs) * time.Millisecond
}

// SyncInterval returns the config synchronization interval as a duration.
func (c *MultiTenantConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMs) * time.Millisecond
}

// EffectiveLLMProxyURL returns the configured LLM proxy endpoint,
// deriving it from the cloud backend URL when not set explicitly.
func (c *MultiTenantConfig) EffectiveLLMProxyURL() string {
	if c.LLMProxyURL != "" {
		return c.LLMProxyURL
	}
	if c.CloudBackendURL == "" {
		return ""
	}
	return strings.TrimRight(c.CloudBackendURL, "/") + "/llm"
}

// Default returns the built-in configuration values. File and
// environment sources are layered on top of these.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:     "0.0.0.0",
			Port:     18789,
			LogLevel: "info",
			LogJSON:  false,
		},
		MultiTenant: MultiTenantConfig{
			Enabled:           false,
			MaxCachedUsers:    100,
			UserIdleTimeoutMs: time.Hour.Milliseconds(),
			SyncIntervalMs:    (5 * time.Minute).Milliseconds(),
		},
	}
}
