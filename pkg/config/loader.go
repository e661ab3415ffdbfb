package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/knadh/koanf/providers/confmap"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/tidwall/jsonc"

	"github.com/openclaw/gateway/pkg/logger"
)

// ErrNotFound reports that no global config file exists at any of the
// searched locations.
var ErrNotFound = errors.New("openclaw global config not found")

// EnvGlobalConfig overrides the config search order with an explicit path.
const EnvGlobalConfig = "OPENCLAW_GLOBAL_CONFIG"

// EnvServiceToken is consulted when the config file carries no service token.
const EnvServiceToken = "OPENCLAW_SERVICE_TOKEN"

// defaultCacheTTL bounds how stale a cached config may get before the
// next Load re-reads the file.
const defaultCacheTTL = 60 * time.Second

var (
	cacheMu sync.Mutex
	cache   = expirable.NewLRU[string, *Config](4, nil, defaultCacheTTL)
)

// ResetCache drops all cached configs, forcing the next Load to re-read
// from disk. Tests use this between cases.
func ResetCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache.Purge()
}

// SearchPaths returns candidate global config locations in precedence order.
func SearchPaths() []string {
	paths := make([]string, 0, 4)
	if p := os.Getenv(EnvGlobalConfig); p != "" {
		paths = append(paths, p)
	}
	paths = append(paths, "/etc/openclaw/config.json")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".clawdbot", "openclaw.json"),
			filepath.Join(home, ".openclaw", "openclaw.json"),
		)
	}
	return paths
}

// Locate returns the path of the first global config file that exists.
func Locate() (string, error) {
	paths := SearchPaths()
	for _, p := range paths {
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: searched %s", ErrNotFound, strings.Join(paths, ", "))
}

// Load returns the global OpenClaw configuration from the first search
// location that exists. Results are cached briefly so hot paths can
// call Load without hitting the filesystem on every request.
func Load(ctx context.Context) (*Config, error) {
	path, err := Locate()
	if err != nil {
		return nil, err
	}
	return LoadAt(ctx, path)
}

// LoadAt reads, parses and validates the config file at an explicit path.
func LoadAt(ctx context.Context, path string) (*Config, error) {
	cacheMu.Lock()
	if cfg, ok := cache.Get(path); ok {
		cacheMu.Unlock()
		return cfg, nil
	}
	cacheMu.Unlock()

	fileData, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := buildConfig(fileData)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	logger.FromContext(ctx).Debug("loaded global config", "path", path)

	cacheMu.Lock()
	cache.Add(path, cfg)
	cacheMu.Unlock()
	return cfg, nil
}

// readConfigFile parses a JSONC config file into a generic map. The
// file format allows comments and trailing commas because humans edit it.
func readConfigFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var data map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(raw), &data); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return data, nil
}

// buildConfig layers defaults, file values and environment overrides in
// that order, then unmarshals and validates the result.
func buildConfig(fileData map[string]any) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if len(fileData) > 0 {
		if err := k.Load(confmap.Provider(fileData, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load config file values: %w", err)
		}
	}
	envToPath := GenerateEnvToConfigMap()
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: "OPENCLAW_",
		TransformFunc: func(key string, value string) (string, any) {
			if configPath, exists := envToPath[key]; exists {
				return configPath, value
			}
			// Unmapped OPENCLAW_ variables belong to other tools.
			return "", nil
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg, err := unmarshalConfig(k)
	if err != nil {
		return nil, err
	}
	applyServiceTokenFallback(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sensitiveStringDecodeHook converts raw string values into SensitiveString
// fields during unmarshal.
func sensitiveStringDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(SensitiveString("")) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return SensitiveString(v), nil
	case []byte:
		return SensitiveString(v), nil
	default:
		return data, nil
	}
}

func unmarshalConfig(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook:       sensitiveStringDecodeHook,
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return &cfg, nil
}

// applyServiceTokenFallback fills the service token from the environment
// when the config file does not provide one. The file value wins.
func applyServiceTokenFallback(cfg *Config) {
	if cfg.MultiTenant.ServiceToken != "" {
		return
	}
	if tok := os.Getenv(EnvServiceToken); tok != "" {
		cfg.MultiTenant.ServiceToken = SensitiveString(tok)
	}
}

var (
	validatorOnce sync.Once
	structValid   *validator.Validate
)

func structValidator() *validator.Validate {
	validatorOnce.Do(func() {
		structValid = validator.New()
	})
	return structValid
}

// Validate checks the configuration against struct tags plus the
// cross-field rules that tags cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if cfg.MultiTenant.Enabled && cfg.MultiTenant.CloudBackendURL == "" {
		return fmt.Errorf("multiTenant.cloudBackendUrl is required when multi-tenant mode is enabled")
	}
	return nil
}
