package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Layer identifies which source would serve a bootstrap file read.
type Layer string

const (
	LayerCustom   Layer = "custom"
	LayerTemplate Layer = "template"
	LayerBuiltin  Layer = "builtin"
	LayerMissing  Layer = "missing"
)

// ErrNotFound reports that a file misses every layer and has no
// built-in default.
var ErrNotFound = errors.New("workspace file not found")

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// Resolver serves a tenant's bootstrap files with custom > template >
// built-in precedence. Tenant edits go to the custom layer so template
// upgrades never clobber them.
type Resolver struct {
	workspacePath string
	templatePath  string
}

// NewResolver creates a resolver rooted at the tenant workspace.
// templatePath may be empty, in which case the template layer never hits.
func NewResolver(workspacePath, templatePath string) *Resolver {
	return &Resolver{
		workspacePath: workspacePath,
		templatePath:  templatePath,
	}
}

// WorkspacePath returns the tenant workspace root.
func (r *Resolver) WorkspacePath() string {
	return r.workspacePath
}

func (r *Resolver) customPath(filename string) string {
	return filepath.Join(r.workspacePath, "custom", filename)
}

func (r *Resolver) memoryDir() string {
	return filepath.Join(r.workspacePath, "memory")
}

// sanitizeName reduces a filename argument to its basename, neutralizing
// directory traversal attempts.
func sanitizeName(filename string) string {
	return filepath.Base(filepath.Clean(filename))
}

// Read returns the file content from the highest-priority layer.
func (r *Resolver) Read(filename string) (string, error) {
	name := sanitizeName(filename)
	if content, ok, err := readIfExists(r.customPath(name)); err != nil {
		return "", err
	} else if ok {
		return content, nil
	}
	if r.templatePath != "" {
		if content, ok, err := readIfExists(filepath.Join(r.templatePath, name)); err != nil {
			return "", err
		} else if ok {
			return content, nil
		}
	}
	if content, ok := builtinDefaults[name]; ok {
		return content, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Write stores tenant-specific content in the custom layer with
// owner-only permissions.
func (r *Resolver) Write(filename, content string) error {
	name := sanitizeName(filename)
	path := r.customPath(name)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("create custom dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), filePerm); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Resolve reports which layer a Read of filename would be served from.
func (r *Resolver) Resolve(filename string) Layer {
	name := sanitizeName(filename)
	if fileExists(r.customPath(name)) {
		return LayerCustom
	}
	if r.templatePath != "" && fileExists(filepath.Join(r.templatePath, name)) {
		return LayerTemplate
	}
	if HasDefault(name) {
		return LayerBuiltin
	}
	return LayerMissing
}

// todayMemoryPath returns the memory file for the local calendar date.
func (r *Resolver) todayMemoryPath() string {
	return filepath.Join(r.memoryDir(), time.Now().Format("2006-01-02")+".md")
}

// ReadTodayMemory returns today's memory note, or empty when none has
// been written yet.
func (r *Resolver) ReadTodayMemory() (string, error) {
	content, ok, err := readIfExists(r.todayMemoryPath())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return content, nil
}

// WriteTodayMemory replaces today's memory note.
func (r *Resolver) WriteTodayMemory(content string) error {
	if err := os.MkdirAll(r.memoryDir(), dirPerm); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	path := r.todayMemoryPath()
	if err := os.WriteFile(path, []byte(content), filePerm); err != nil {
		return fmt.Errorf("write memory note: %w", err)
	}
	return nil
}

// ListFiles returns the entry names under the given workspace
// subdirectory (or the workspace root when subdir is empty). A missing
// directory yields an empty list, not an error.
func (r *Resolver) ListFiles(subdir string) ([]string, error) {
	dir := r.workspacePath
	if subdir != "" {
		dir = filepath.Join(r.workspacePath, sanitizeName(subdir))
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

// readIfExists reads path, translating "does not exist" into a miss so
// callers can fall through to the next layer.
func readIfExists(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), true, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
