package sandbox

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrCommandBlocked means the command is on the folder's block-list.
var ErrCommandBlocked = errors.New("command blocked")

// ErrCommandNotAllowed means an allow-list is configured and the command is
// not on it.
var ErrCommandNotAllowed = errors.New("command not allowed")

// CommandFilter holds precompiled block and allow sets for one folder.
// Matching is on the command's lowercased base name, so "/usr/bin/sudo" and
// "sudo" hit the same entry. The block-list always wins: a blocked command
// is rejected even when it is also allow-listed. An empty allow set means
// allow-all-except-blocked.
type CommandFilter struct {
	blocked map[string]bool
	allowed map[string]bool
}

// NewCommandFilter compiles the two sets.
func NewCommandFilter(blocked, allowed []string) *CommandFilter {
	f := &CommandFilter{
		blocked: make(map[string]bool, len(blocked)),
		allowed: make(map[string]bool, len(allowed)),
	}
	for _, c := range blocked {
		f.blocked[normalize(c)] = true
	}
	for _, c := range allowed {
		if c == "*" {
			// Wildcard entry collapses the allow-list to allow-all.
			f.allowed = make(map[string]bool)
			break
		}
		f.allowed[normalize(c)] = true
	}
	return f
}

// Check evaluates the block-list first, then the allow-list.
func (f *CommandFilter) Check(command string) error {
	name := normalize(command)
	if f.blocked[name] {
		return ErrCommandBlocked
	}
	if len(f.allowed) > 0 && !f.allowed[name] {
		return ErrCommandNotAllowed
	}
	return nil
}

func normalize(command string) string {
	return strings.ToLower(filepath.Base(strings.TrimSpace(command)))
}
