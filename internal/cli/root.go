// Package cli wires the fsh subcommands: serve, connect, folder management,
// init, audit inspection, and version.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/fsh/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fsh",
	Short: "Folder-scoped remote shell",
	Long:  "fsh exposes selected folders over a TCP protocol. A connected client gets a shell session sandboxed to one folder: commands run inside it, paths cannot leave it, and every security-relevant event is audit-logged.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.fsh/config.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}
