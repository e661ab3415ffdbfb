package tenant

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
)

// maxUserIDLength bounds sanitized ids so every derived path stays well
// under filesystem name limits.
const maxUserIDLength = 128

// ErrInvalidUserID reports a raw user id that is empty or longer than
// maxUserIDLength.
var ErrInvalidUserID = errors.New("invalid user id")

var userIDUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeUserID normalizes an untrusted tenant identifier for
// filesystem use. Path separators, dots, and any other character
// outside [A-Za-z0-9_-] collapse to underscores, so a derived path can
// never escape its storage root.
func SanitizeUserID(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(raw) > maxUserIDLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidUserID, maxUserIDLength)
	}
	return userIDUnsafe.ReplaceAllString(raw, "_"), nil
}

// Paths holds the filesystem locations derived for one tenant. All
// members are absolute once the storage roots are absolute.
type Paths struct {
	UserID        string
	ConfigPath    string
	WorkspacePath string
	AgentDir      string
	SessionsPath  string
	MemoryPath    string
	CustomPath    string
}

// PathsFor derives the per-tenant directory layout from the storage
// roots and a raw user id. The id is sanitized first so two raw ids
// that normalize to the same value share one layout.
func PathsFor(configRoot, workspaceRoot, rawUserID string) (Paths, error) {
	id, err := SanitizeUserID(rawUserID)
	if err != nil {
		return Paths{}, err
	}
	workspacePath := filepath.Join(workspaceRoot, "users", id)
	return Paths{
		UserID:        id,
		ConfigPath:    filepath.Join(configRoot, "users", id, "config.json"),
		WorkspacePath: workspacePath,
		AgentDir:      filepath.Join(workspacePath, "agent"),
		SessionsPath:  filepath.Join(workspacePath, "sessions"),
		MemoryPath:    filepath.Join(workspacePath, "memory"),
		CustomPath:    filepath.Join(workspacePath, "custom"),
	}, nil
}
