package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func newTestValidator(t *testing.T) (*Validator, string) {
	t.Helper()
	root := t.TempDir()
	v, err := NewValidator(root)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v, v.Root()
}

func TestResolveRelativeInsideRoot(t *testing.T) {
	v, root := newTestValidator(t)
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0700); err != nil {
		t.Fatal(err)
	}
	got, err := v.Resolve(root, "sub")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != filepath.Join(root, "sub") {
		t.Errorf("expected %q, got %q", filepath.Join(root, "sub"), got)
	}
}

func TestResolveDotDotEscape(t *testing.T) {
	v, root := newTestValidator(t)
	for _, target := range []string{"..", "../..", "../../etc", "sub/../../etc/passwd"} {
		if _, err := v.Resolve(root, target); !errors.Is(err, ErrPathEscape) {
			t.Errorf("Resolve(%q): expected ErrPathEscape, got %v", target, err)
		}
	}
}

func TestResolveAbsoluteOutsideRoot(t *testing.T) {
	v, _ := newTestValidator(t)
	if _, err := v.Resolve(v.Root(), "/etc"); !errors.Is(err, ErrPathEscape) {
		t.Errorf("expected ErrPathEscape, got %v", err)
	}
}

func TestResolveRootItself(t *testing.T) {
	v, root := newTestValidator(t)
	got, err := v.Resolve(root, ".")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != root {
		t.Errorf("expected root %q, got %q", root, got)
	}
}

func TestResolveSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not reliable on windows")
	}
	v, root := newTestValidator(t)
	outside := t.TempDir()
	link := filepath.Join(root, "leak")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Resolve(root, "leak"); !errors.Is(err, ErrPathEscape) {
		t.Errorf("expected ErrPathEscape through symlink, got %v", err)
	}
	if _, err := v.Resolve(root, "leak/inner.txt"); !errors.Is(err, ErrPathEscape) {
		t.Errorf("expected ErrPathEscape through symlink child, got %v", err)
	}
}

func TestResolveNonExistingFileStillContained(t *testing.T) {
	v, root := newTestValidator(t)
	got, err := v.Resolve(root, "new/file.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != filepath.Join(root, "new", "file.txt") {
		t.Errorf("unexpected path %q", got)
	}
}

func TestResolveDirRejectsFile(t *testing.T) {
	v, root := newTestValidator(t)
	file := filepath.Join(root, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := v.ResolveDir(root, "plain.txt"); err == nil {
		t.Error("expected error resolving file as directory")
	}
}

func TestRel(t *testing.T) {
	v, root := newTestValidator(t)
	if got := v.Rel(root); got != "." {
		t.Errorf("Rel(root) = %q, want .", got)
	}
	if got := v.Rel(filepath.Join(root, "a", "b")); got != filepath.Join("a", "b") {
		t.Errorf("Rel = %q", got)
	}
}

func TestNewValidatorRejectsMissingRoot(t *testing.T) {
	if _, err := NewValidator(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected error for missing root")
	}
}
