package tenant

import (
	"time"

	"github.com/mohae/deepcopy"
)

// Status describes whether a tenant may authenticate.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
)

// ParseStatus normalizes an upstream status string. Unknown values map
// to StatusSuspended so a malformed record can never widen access.
func ParseStatus(raw string) Status {
	switch Status(raw) {
	case StatusActive, StatusSuspended, StatusExpired:
		return Status(raw)
	default:
		return StatusSuspended
	}
}

// Instance is the in-memory record for one loaded tenant. The manager
// owns every instance; callers outside the package observe copies taken
// under the manager lock, never the live record.
type Instance struct {
	UserID          string         `json:"user_id"`
	Status          Status         `json:"status"`
	Config          map[string]any `json:"config"`
	LLMAPIKey       string         `json:"-"`
	WorkspacePath   string         `json:"workspace_path"`
	ConfigPath      string         `json:"config_path"`
	AgentDir        string         `json:"agent_dir"`
	LastActivityAt  time.Time      `json:"last_activity_at"`
	PendingRequests int            `json:"pending_requests"`
}

// snapshot returns a copy safe to hand past the manager lock. The
// config map is deep-copied so readers cannot observe later sync
// patches mid-request.
func (i *Instance) snapshot() *Instance {
	cp := *i
	cp.Config = copyConfig(i.Config)
	return &cp
}

func copyConfig(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	copied, ok := deepcopy.Copy(config).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return copied
}
