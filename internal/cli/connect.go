package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ppiankov/fsh/internal/client"
)

var (
	connectToken string
	connectUser  string
	connectEnv   []string
)

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().StringVar(&connectToken, "token", "", "Auth token (default \"default\")")
	connectCmd.Flags().StringVar(&connectUser, "user", "", "Username for password auth (prompts for the password)")
	connectCmd.Flags().StringArrayVar(&connectEnv, "env", nil, "Extra KEY=VALUE for the session environment (repeatable)")
}

var connectCmd = &cobra.Command{
	Use:   "connect <host:port> [folder]",
	Short: "Open an interactive shell on a served folder",
	Long:  "Connects to an fsh server, authenticates, binds the named folder, and drops into an interactive shell. With no folder argument the server's folder list is printed instead.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runConnect,
}

func runConnect(cmd *cobra.Command, args []string) error {
	c, info, err := client.Dial(args[0])
	if err != nil {
		return err
	}
	defer c.Close()

	if err := authenticateClient(c); err != nil {
		return err
	}

	if len(args) < 2 {
		fmt.Printf("server %s (%s/%s, %d folders)\n", info.Host.Hostname, info.Host.OS, info.Host.Arch, len(info.Folders))
		for _, name := range info.Folders {
			fmt.Printf("  %s\n", name)
		}
		return nil
	}

	binding, err := c.Bind(args[1])
	if err != nil {
		return err
	}

	env, err := parseEnvFlags(connectEnv)
	if err != nil {
		return err
	}
	if _, err := c.StartSession(env); err != nil {
		return err
	}

	mode := "read-write"
	if binding.ReadOnly {
		mode = "read-only"
	}
	fmt.Fprintf(os.Stderr, "bound to %s (%s, %s)\n", binding.Folder, binding.WorkingDir, mode)
	return client.Shell(c, os.Stdin, os.Stdout, os.Stderr)
}

func authenticateClient(c *client.Client) error {
	if connectUser != "" {
		fmt.Fprintf(os.Stderr, "password for %s: ", connectUser)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		return c.AuthenticatePassword(connectUser, string(password))
	}

	token := connectToken
	if token == "" {
		token = "default"
	}
	return c.AuthenticateToken(token)
}

func parseEnvFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}
