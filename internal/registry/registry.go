// Package registry builds the immutable folder registry from configuration
// at startup. Descriptors are canonicalized once and never mutated; sessions
// hold non-owning references into the registry.
package registry

import (
	"fmt"
	"sort"

	"github.com/ppiankov/fsh/internal/config"
	"github.com/ppiankov/fsh/internal/sandbox"
)

// Permission is one element of a folder's permission set.
type Permission string

const (
	Read    Permission = "read"
	Write   Permission = "write"
	Execute Permission = "execute"
)

// Descriptor is one exposed folder after canonicalization. Immutable.
type Descriptor struct {
	Name        string
	Root        string // canonical absolute path
	Shell       string
	ReadOnly    bool
	Description string
	Env         map[string]string

	permissions map[Permission]bool
	filter      *sandbox.CommandFilter
	validator   *sandbox.Validator
}

// Validator returns the path containment validator bound to this folder.
func (d *Descriptor) Validator() *sandbox.Validator {
	return d.validator
}

// Filter returns the precompiled command filter for this folder.
func (d *Descriptor) Filter() *sandbox.CommandFilter {
	return d.filter
}

// Can reports whether the folder grants the permission. Write is always
// denied on readonly folders regardless of the configured set.
func (d *Descriptor) Can(p Permission) bool {
	if p == Write && d.ReadOnly {
		return false
	}
	return d.permissions[p]
}

// Permissions returns the granted permission names, sorted.
func (d *Descriptor) Permissions() []string {
	out := make([]string, 0, len(d.permissions))
	for p := range d.permissions {
		if d.Can(p) {
			out = append(out, string(p))
		}
	}
	sort.Strings(out)
	return out
}

// Prompt renders the shell prompt hint for a directory relative to the root.
func (d *Descriptor) Prompt(rel string) string {
	switch d.Shell {
	case "powershell":
		return fmt.Sprintf("PS %s> ", rel)
	case "cmd":
		return fmt.Sprintf("%s> ", rel)
	default:
		return fmt.Sprintf("%s$ ", rel)
	}
}

// Registry is the load-once name → descriptor mapping. Read-only after
// Build, so it needs no synchronization.
type Registry struct {
	folders map[string]*Descriptor
	names   []string
}

// Build canonicalizes every configured folder. A folder whose path does not
// exist or is not a directory is a fatal configuration error.
func Build(folders []config.FolderConfig) (*Registry, error) {
	r := &Registry{folders: make(map[string]*Descriptor, len(folders))}

	for _, fc := range folders {
		v, err := sandbox.NewValidator(fc.Path)
		if err != nil {
			return nil, fmt.Errorf("folder %q: %w", fc.Name, err)
		}

		perms := make(map[Permission]bool, len(fc.Permissions))
		for _, p := range fc.Permissions {
			perms[Permission(p)] = true
		}
		if len(fc.Permissions) == 0 {
			// Unspecified permission set grants everything; readonly still
			// masks write.
			perms = map[Permission]bool{Read: true, Write: true, Execute: true}
		}

		shell := fc.Shell
		if shell == "" {
			shell = "sh"
		}

		env := make(map[string]string, len(fc.Environment))
		for k, val := range fc.Environment {
			env[k] = val
		}

		d := &Descriptor{
			Name:        fc.Name,
			Root:        v.Root(),
			Shell:       shell,
			ReadOnly:    fc.ReadOnly,
			Description: fc.Description,
			Env:         env,
			permissions: perms,
			filter:      sandbox.NewCommandFilter(fc.BlockedCommands, fc.AllowedCommands),
			validator:   v,
		}
		r.folders[d.Name] = d
		r.names = append(r.names, d.Name)
	}

	sort.Strings(r.names)
	return r, nil
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	d, ok := r.folders[name]
	return d, ok
}

// Names returns all folder names, sorted.
func (r *Registry) Names() []string {
	return r.names
}
