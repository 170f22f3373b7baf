package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Timestamp layouts used across all persisted artifacts. Local time,
// second granularity.
const (
	TimeLayout = "2006-01-02T15:04:05"
	DateLayout = "2006-01-02"
)

// Now returns the current local time formatted for persisted records.
func Now() string {
	return time.Now().Format(TimeLayout)
}

// Today returns the current local date.
func Today() string {
	return time.Now().Format(DateLayout)
}

// Workspace anchors every on-disk artifact. All writes that originate from
// untrusted input (proposal file lists) must go through Resolve so nothing
// escapes the root.
type Workspace struct {
	root string
}

// NewWorkspace normalizes root to an absolute path and ensures it exists.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Path joins trusted path segments under the workspace root.
func (w *Workspace) Path(parts ...string) string {
	return filepath.Join(append([]string{w.root}, parts...)...)
}

// Resolve maps a workspace-relative path to an absolute one, rejecting any
// path that escapes the root.
func (w *Workspace) Resolve(rel string) (string, error) {
	candidate := rel
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(w.root, candidate)
	}
	candidate = filepath.Clean(candidate)
	if candidate != w.root && !strings.HasPrefix(candidate, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace root", rel)
	}
	return candidate, nil
}

// Rel converts an absolute path back to workspace-relative form. The second
// return value is false for paths outside the workspace.
func (w *Workspace) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}
