package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/fsh/internal/config"
)

var (
	folderPermissions []string
	folderShell       string
	folderAllowed     []string
	folderBlocked     []string
	folderReadOnly    bool
	folderDescription string
)

func init() {
	rootCmd.AddCommand(folderCmd)
	folderCmd.AddCommand(folderAddCmd)
	folderCmd.AddCommand(folderRemoveCmd)
	folderCmd.AddCommand(folderListCmd)
	folderCmd.AddCommand(folderShowCmd)

	folderAddCmd.Flags().StringSliceVar(&folderPermissions, "permissions", nil, "Granted permissions: read,write,execute (default all)")
	folderAddCmd.Flags().StringVar(&folderShell, "shell", "", "Prompt style: sh, powershell, or cmd")
	folderAddCmd.Flags().StringSliceVar(&folderAllowed, "allow", nil, "Allow-list of commands (empty allows all)")
	folderAddCmd.Flags().StringSliceVar(&folderBlocked, "block", nil, "Block-list of commands (wins over allow)")
	folderAddCmd.Flags().BoolVar(&folderReadOnly, "readonly", false, "Refuse writes regardless of permissions")
	folderAddCmd.Flags().StringVar(&folderDescription, "description", "", "Human description")
}

var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Manage served folders",
	Long:  "Adds, removes, and inspects folder entries in the configuration file. A running server does not pick up changes; restart it.",
}

var folderAddCmd = &cobra.Command{
	Use:   "add <name> <path>",
	Short: "Register a folder for serving",
	Args:  cobra.ExactArgs(2),
	RunE:  runFolderAdd,
}

var folderRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Unregister a folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runFolderRemove,
}

var folderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered folders",
	RunE:  runFolderList,
}

var folderShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one folder entry in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runFolderShow,
}

func runFolderAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(args[1])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	entry := config.FolderConfig{
		Name:            args[0],
		Path:            abs,
		Permissions:     folderPermissions,
		Shell:           folderShell,
		AllowedCommands: folderAllowed,
		BlockedCommands: folderBlocked,
		ReadOnly:        folderReadOnly,
		Description:     folderDescription,
	}
	if err := cfg.AddFolder(entry); err != nil {
		return err
	}
	if err := cfg.Save(resolveConfigPath()); err != nil {
		return err
	}
	fmt.Printf("added folder %q -> %s\n", entry.Name, entry.Path)
	return nil
}

func runFolderRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.RemoveFolder(args[0]) {
		return fmt.Errorf("no folder named %q", args[0])
	}
	if err := cfg.Save(resolveConfigPath()); err != nil {
		return err
	}
	fmt.Printf("removed folder %q\n", args[0])
	return nil
}

func runFolderList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Folders) == 0 {
		fmt.Println("no folders configured")
		return nil
	}
	for _, f := range cfg.Folders {
		flags := ""
		if f.ReadOnly {
			flags = " [readonly]"
		}
		fmt.Printf("%-20s %s%s\n", f.Name, f.Path, flags)
	}
	return nil
}

func runFolderShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f := cfg.FindFolder(args[0])
	if f == nil {
		return fmt.Errorf("no folder named %q", args[0])
	}

	fmt.Printf("name:         %s\n", f.Name)
	fmt.Printf("path:         %s\n", f.Path)
	fmt.Printf("permissions:  %s\n", orAll(f.Permissions))
	fmt.Printf("shell:        %s\n", orDefault(f.Shell, "sh"))
	fmt.Printf("readonly:     %v\n", f.ReadOnly)
	if len(f.AllowedCommands) > 0 {
		fmt.Printf("allowed:      %s\n", strings.Join(f.AllowedCommands, ", "))
	}
	if len(f.BlockedCommands) > 0 {
		fmt.Printf("blocked:      %s\n", strings.Join(f.BlockedCommands, ", "))
	}
	if f.Description != "" {
		fmt.Printf("description:  %s\n", f.Description)
	}
	return nil
}

func orAll(perms []string) string {
	if len(perms) == 0 {
		return "read, write, execute"
	}
	return strings.Join(perms, ", ")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
