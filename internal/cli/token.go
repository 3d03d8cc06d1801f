package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/fsh/internal/auth"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token <value>",
	Short: "Hash a token for the config file",
	Long:  "Prints the sha256 hex digest of the given token. Put the digest in security.token_hashes; the server never stores plaintext tokens.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(auth.HashToken(args[0]))
	},
}
