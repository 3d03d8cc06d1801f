// Package sandbox enforces the two folder-scoped security boundaries: path
// containment (a resolved path never leaves the folder root) and command
// filtering (block-list before allow-list). Both are stateless given a
// folder descriptor and are checked before any filesystem or process action.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape means the resolved path lies outside the folder root.
var ErrPathEscape = errors.New("path escapes folder root")

// Validator checks paths against one canonical folder root.
type Validator struct {
	root string
}

// NewValidator canonicalizes root (which must exist and be a directory) and
// returns a validator bound to it.
func NewValidator(root string) (*Validator, error) {
	canonical, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("canonicalize root %q: %w", root, err)
	}
	canonical, err = filepath.Abs(canonical)
	if err != nil {
		return nil, fmt.Errorf("canonicalize root %q: %w", root, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("stat root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", root)
	}
	return &Validator{root: canonical}, nil
}

// Root returns the canonical folder root.
func (v *Validator) Root() string {
	return v.root
}

// Resolve joins target against base (when relative), cleans it, resolves
// symlinks through the nearest existing ancestor, and verifies the result is
// the root or a descendant. The returned path is absolute and clean. On any
// escape it returns ErrPathEscape and the caller keeps its prior state.
func (v *Validator) Resolve(base, target string) (string, error) {
	p := target
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)

	resolved, err := resolveThroughExisting(p)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", target, err)
	}
	if !v.contains(resolved) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, target)
	}
	return resolved, nil
}

// ResolveDir is Resolve plus a check that the result exists and is a
// directory. Used for working-directory changes.
func (v *Validator) ResolveDir(base, target string) (string, error) {
	p, err := v.Resolve(base, target)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", target, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%q is not a directory", target)
	}
	return p, nil
}

// Rel returns path relative to the root, or "." when it is the root itself.
// Used for prompts and client-facing paths.
func (v *Validator) Rel(path string) string {
	rel, err := filepath.Rel(v.root, path)
	if err != nil {
		return "."
	}
	return rel
}

func (v *Validator) contains(path string) bool {
	if path == v.root {
		return true
	}
	return strings.HasPrefix(path, v.root+string(filepath.Separator))
}

// resolveThroughExisting resolves symlinks for the deepest existing ancestor
// of p and reattaches the non-existing remainder. This keeps containment
// meaningful for paths about to be created.
func resolveThroughExisting(p string) (string, error) {
	remainder := ""
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
}
