package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves tool path arguments against the workspace jail and
// the managed context root.
type Resolver struct {
	// WorkspaceRoot is the jail for ordinary relative paths.
	WorkspaceRoot string

	// ContextRoot holds continuity files and is always allowed.
	ContextRoot string

	// ContinuityFiles are bare filenames that resolve against ContextRoot
	// even though they are not under the workspace root.
	ContinuityFiles []string
}

// IsContinuityFile reports whether path names a continuity file (by
// basename, case-insensitive).
func (r Resolver) IsContinuityFile(path string) bool {
	base := strings.ToLower(filepath.Base(strings.TrimSpace(path)))
	for _, name := range r.ContinuityFiles {
		if base == strings.ToLower(name) {
			return true
		}
	}
	return false
}

// ExpandHome expands a leading ~ or ~/ to the current user's home
// directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Resolve returns the absolute path for a tool path argument. Relative
// paths resolve against WorkspaceRoot, except continuity filenames which
// resolve against ContextRoot.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	clean = ExpandHome(clean)
	if filepath.IsAbs(clean) {
		return filepath.Clean(clean), nil
	}
	root := r.WorkspaceRoot
	if r.IsContinuityFile(clean) && filepath.Base(clean) == filepath.Clean(clean) {
		root = r.ContextRoot
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	return filepath.Clean(filepath.Join(rootAbs, clean)), nil
}

// Contained reports whether target is a (non-strict) descendant of root.
func Contained(root, target string) bool {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// CheckContainment verifies the resolved path lands under either allowed
// root. The error names both roots so the model can correct itself.
func (r Resolver) CheckContainment(resolved string) error {
	if Contained(r.WorkspaceRoot, resolved) || Contained(r.ContextRoot, resolved) {
		return nil
	}
	return fmt.Errorf("Access denied: %s is outside the allowed roots (workspace: %s, context: %s)",
		resolved, r.WorkspaceRoot, r.ContextRoot)
}
