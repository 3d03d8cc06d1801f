// Package config loads and validates the fsh YAML configuration: server
// settings, security settings, and the folder registry entries. The file is
// read once at startup and never reloaded; the `fsh folder` subcommands
// rewrite it between restarts.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root of the fsh configuration file.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	Folders  []FolderConfig `yaml:"folders"`
}

// ServerConfig holds listener and lifecycle settings.
type ServerConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	MaxConnections           int    `yaml:"max_connections"`
	ConnectionTimeoutSeconds int    `yaml:"connection_timeout_seconds"`
	SessionTimeoutMinutes    int    `yaml:"session_timeout_minutes"`
}

// RateLimitConfig bounds per-connection request frequency.
type RateLimitConfig struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// SecurityConfig holds authentication and audit settings.
type SecurityConfig struct {
	RequireAuthentication bool     `yaml:"require_authentication"`
	AuthMethods           []string `yaml:"auth_methods"`
	MaxFailedAttempts     int      `yaml:"max_failed_attempts"`
	// TokenHashes are sha256 hex digests of accepted tokens. Empty with the
	// token method enabled registers the development token "default".
	TokenHashes []string `yaml:"token_hashes"`
	// PasswordUsers maps usernames to bcrypt password hashes.
	PasswordUsers map[string]string `yaml:"password_users"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	AuditLog      string            `yaml:"audit_log"`
}

// FolderConfig describes one exposed folder as written in the file. The
// registry canonicalizes it into an immutable descriptor at startup.
type FolderConfig struct {
	Name            string            `yaml:"name"`
	Path            string            `yaml:"path"`
	Permissions     []string          `yaml:"permissions"`
	Shell           string            `yaml:"shell"`
	AllowedCommands []string          `yaml:"allowed_commands"`
	BlockedCommands []string          `yaml:"blocked_commands"`
	Environment     map[string]string `yaml:"environment"`
	ReadOnly        bool              `yaml:"readonly"`
	Description     string            `yaml:"description"`
}

// Default returns the configuration written by `fsh init`.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                     "127.0.0.1",
			Port:                     2222,
			MaxConnections:           10,
			ConnectionTimeoutSeconds: 30,
			SessionTimeoutMinutes:    60,
		},
		Security: SecurityConfig{
			RequireAuthentication: true,
			AuthMethods:           []string{"token"},
			MaxFailedAttempts:     3,
			RateLimit:             RateLimitConfig{MaxRequests: 60, WindowSeconds: 60},
		},
	}
}

// DefaultPath is ~/.fsh/config.yaml, or ./fsh.yaml if the home directory
// cannot be determined.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fsh.yaml"
	}
	return filepath.Join(home, ".fsh", "config.yaml")
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration back to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

var validMethods = map[string]bool{"token": true, "password": true}

var validPermissions = map[string]bool{"read": true, "write": true, "execute": true}

// Validate checks invariants the rest of the system relies on. Failures here
// are fatal at startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be positive")
	}
	if c.Server.ConnectionTimeoutSeconds <= 0 {
		return fmt.Errorf("config: connection_timeout_seconds must be positive")
	}
	if c.Server.SessionTimeoutMinutes <= 0 {
		return fmt.Errorf("config: session_timeout_minutes must be positive")
	}

	if c.Security.RequireAuthentication {
		if len(c.Security.AuthMethods) == 0 {
			return fmt.Errorf("config: authentication required but no auth_methods configured")
		}
		for _, m := range c.Security.AuthMethods {
			if !validMethods[m] {
				return fmt.Errorf("config: unknown auth method %q", m)
			}
		}
		if c.Security.MaxFailedAttempts <= 0 {
			return fmt.Errorf("config: max_failed_attempts must be positive")
		}
	}

	seenNames := make(map[string]bool)
	seenPaths := make(map[string]bool)
	for i := range c.Folders {
		f := &c.Folders[i]
		if err := f.Validate(); err != nil {
			return err
		}
		if seenNames[f.Name] {
			return fmt.Errorf("config: duplicate folder name %q", f.Name)
		}
		if seenPaths[f.Path] {
			return fmt.Errorf("config: duplicate folder path %q", f.Path)
		}
		seenNames[f.Name] = true
		seenPaths[f.Path] = true
	}
	return nil
}

// Validate checks a single folder entry.
func (f *FolderConfig) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("config: folder name cannot be empty")
	}
	if f.Path == "" {
		return fmt.Errorf("config: folder %q has no path", f.Name)
	}
	for _, p := range f.Permissions {
		if !validPermissions[p] {
			return fmt.Errorf("config: folder %q has unknown permission %q", f.Name, p)
		}
	}
	return nil
}

// FindFolder returns the entry with the given name, or nil.
func (c *Config) FindFolder(name string) *FolderConfig {
	for i := range c.Folders {
		if c.Folders[i].Name == name {
			return &c.Folders[i]
		}
	}
	return nil
}

// AddFolder appends a folder entry, refusing duplicates.
func (c *Config) AddFolder(f FolderConfig) error {
	if err := f.Validate(); err != nil {
		return err
	}
	for i := range c.Folders {
		if c.Folders[i].Name == f.Name {
			return fmt.Errorf("config: folder %q already exists", f.Name)
		}
		if c.Folders[i].Path == f.Path {
			return fmt.Errorf("config: path %q already registered as %q", f.Path, c.Folders[i].Name)
		}
	}
	c.Folders = append(c.Folders, f)
	return nil
}

// RemoveFolder deletes a folder entry by name. Returns false if absent.
func (c *Config) RemoveFolder(name string) bool {
	for i := range c.Folders {
		if c.Folders[i].Name == name {
			c.Folders = append(c.Folders[:i], c.Folders[i+1:]...)
			return true
		}
	}
	return false
}
