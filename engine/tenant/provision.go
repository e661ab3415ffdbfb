package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openclaw/gateway/engine/workspace"
	"github.com/openclaw/gateway/pkg/logger"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// Provider identifiers for the credential profiles written into each
// tenant's agent directory.
const (
	providerAnthropic = "anthropic"
	providerOpenAI    = "openai"
)

// authProfile is one credential entry in agent/auth-profiles.json.
type authProfile struct {
	Type     string `json:"type"`
	Provider string `json:"provider"`
	Key      string `json:"key"`
	BaseURL  string `json:"baseURL,omitempty"`
}

// authProfileStore is the versioned on-disk shape of auth-profiles.json.
type authProfileStore struct {
	Version  int                    `json:"version"`
	Profiles map[string]authProfile `json:"profiles"`
}

// modelProvider is one provider entry in agent/models.json.
type modelProvider struct {
	BaseURL string `json:"baseUrl"`
}

// Provisioner materializes tenant directories and credential files.
// Directory creation is idempotent. Credential files are rewritten on
// every call so upstream key rotations reach the workspace; bootstrap
// files are only ever written when absent.
type Provisioner struct {
	llmProxyURL string
}

// NewProvisioner builds a provisioner that points credential profiles
// at the given LLM proxy URL.
func NewProvisioner(llmProxyURL string) *Provisioner {
	return &Provisioner{llmProxyURL: llmProxyURL}
}

// Provision creates the tenant's directory tree and seeds its files.
func (p *Provisioner) Provision(ctx context.Context, paths Paths, llmAPIKey string) error {
	log := logger.FromContext(ctx)

	dirs := []string{
		paths.WorkspacePath,
		paths.AgentDir,
		paths.SessionsPath,
		paths.MemoryPath,
		paths.CustomPath,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	if llmAPIKey != "" {
		if err := p.writeCredentialFiles(paths, llmAPIKey); err != nil {
			return err
		}
	}

	if err := writeIfAbsent(filepath.Join(paths.AgentDir, "openclaw.json"), []byte("{}\n")); err != nil {
		return err
	}
	for _, name := range []string{"HEARTBEAT.md", "USER.md"} {
		content, ok := workspace.DefaultContent(name)
		if !ok {
			continue
		}
		if err := writeIfAbsent(filepath.Join(paths.WorkspacePath, name), []byte(content)); err != nil {
			return err
		}
	}

	log.Debug("provisioned tenant workspace", "user_id", paths.UserID, "workspace", paths.WorkspacePath)
	return nil
}

func (p *Provisioner) writeCredentialFiles(paths Paths, llmAPIKey string) error {
	profiles := authProfileStore{
		Version: 1,
		Profiles: map[string]authProfile{
			providerAnthropic + ":default": {
				Type:     "api_key",
				Provider: providerAnthropic,
				Key:      llmAPIKey,
				BaseURL:  p.llmProxyURL,
			},
			providerOpenAI + ":default": {
				Type:     "api_key",
				Provider: providerOpenAI,
				Key:      llmAPIKey,
				BaseURL:  p.llmProxyURL,
			},
		},
	}
	if err := writeJSONFile(filepath.Join(paths.AgentDir, "auth-profiles.json"), profiles); err != nil {
		return err
	}

	models := map[string]modelProvider{
		providerAnthropic: {BaseURL: p.llmProxyURL},
		providerOpenAI:    {BaseURL: p.llmProxyURL},
	}
	return writeJSONFile(filepath.Join(paths.AgentDir, "models.json"), models)
}

// WriteUserConfig persists a tenant's resolved config under the config
// root. The write goes through a temp file and rename so a concurrent
// reader never observes a torn config.
func WriteUserConfig(paths Paths, config map[string]any) error {
	dir := filepath.Dir(paths.ConfigPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config for %s: %w", paths.UserID, err)
	}
	tmp := paths.ConfigPath + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), filePerm); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, paths.ConfigPath); err != nil {
		return fmt.Errorf("replace %s: %w", paths.ConfigPath, err)
	}
	return nil
}

// ReadUserConfig loads a tenant's on-disk config. A missing file is a
// miss (nil, nil), not an error.
func ReadUserConfig(paths Paths) (map[string]any, error) {
	data, err := os.ReadFile(paths.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", paths.ConfigPath, err)
	}
	var config map[string]any
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", paths.ConfigPath, err)
	}
	return config, nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), filePerm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeIfAbsent(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, filePerm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
