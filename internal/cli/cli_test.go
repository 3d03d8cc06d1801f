package cli

import (
	"path/filepath"
	"testing"

	"github.com/ppiankov/fsh/internal/config"
)

func withTempConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })
	return path
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := withTempConfig(t)
	if err := runInit(initCmd, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Security.AuditLog == "" {
		t.Error("init did not set an audit log path")
	}

	// A second init without --force must refuse to clobber.
	if err := runInit(initCmd, nil); err == nil {
		t.Error("init overwrote an existing config")
	}
}

func TestFolderAddRemoveRoundTrip(t *testing.T) {
	path := withTempConfig(t)
	if err := runInit(initCmd, nil); err != nil {
		t.Fatalf("init: %v", err)
	}

	dir := t.TempDir()
	if err := runFolderAdd(folderAddCmd, []string{"proj", dir}); err != nil {
		t.Fatalf("add: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	f := cfg.FindFolder("proj")
	if f == nil || f.Path != dir {
		t.Fatalf("folder not persisted: %+v", f)
	}

	if err := runFolderAdd(folderAddCmd, []string{"proj", dir}); err == nil {
		t.Error("duplicate folder accepted")
	}

	if err := runFolderRemove(folderRemoveCmd, []string{"proj"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := runFolderRemove(folderRemoveCmd, []string{"proj"}); err == nil {
		t.Error("removing a missing folder succeeded")
	}
}

func TestParseEnvFlags(t *testing.T) {
	env, err := parseEnvFlags([]string{"A=1", "B=two=parts"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env["A"] != "1" || env["B"] != "two=parts" {
		t.Errorf("env = %v", env)
	}

	if _, err := parseEnvFlags([]string{"noequals"}); err == nil {
		t.Error("malformed pair accepted")
	}
	if got, _ := parseEnvFlags(nil); got != nil {
		t.Errorf("empty input should give nil, got %v", got)
	}
}
