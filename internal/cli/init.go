package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/fsh/internal/config"
)

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long:  "Creates ~/.fsh/config.yaml with defaults: localhost listener, token auth with the development token \"default\", and no folders. Add folders with `fsh folder add`, then replace the token hash before exposing anything real.",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.Default()
	cfg.Security.AuditLog = filepath.Join(filepath.Dir(path), "audit.log")
	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", path)
	fmt.Println("next steps:")
	fmt.Println("  fsh folder add <name> <path>")
	fmt.Println("  fsh token <your-secret>   # put the hash in token_hashes")
	fmt.Println("  fsh serve")
	return nil
}
