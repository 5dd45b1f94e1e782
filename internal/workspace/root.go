// Package workspace confines domain operations to a directory tree on local
// disk.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for paths that would escape the root.
var ErrOutsideRoot = errors.New("path escapes workspace root")

// Root is a directory that relative request paths are resolved against.
type Root struct {
	dir string
}

// NewRoot creates dir if needed and returns a Root anchored at its real path.
func NewRoot(dir string) (*Root, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Root{dir: real}, nil
}

func (r *Root) Dir() string {
	return r.dir
}

// Resolve maps a relative path to an absolute path inside the root. The empty
// path is the root itself. Symlinks that lead outside the root are rejected.
func (r *Root) Resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q is absolute", ErrOutsideRoot, rel)
	}

	path := filepath.Join(r.dir, rel)
	if !r.contains(path) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}

	// Check the deepest existing ancestor so links cannot redirect writes.
	existing := path
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rel, err)
	}
	if !r.contains(real) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return path, nil
}

// Rel returns path relative to the root, using forward slashes.
func (r *Root) Rel(path string) string {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (r *Root) contains(path string) bool {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
