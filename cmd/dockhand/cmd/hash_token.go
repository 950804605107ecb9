package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dockhand-io/dockhand/internal/domain/auth"
)

var hashTokenSHA256 bool

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Hash a token for use in config",
	Long: `Hash an agent or operator token for the config file.

By default the output is an Argon2id PHC string, the same format the
server produces when provisioning tokens through the API. It can be used
in tokens[].token_hash and admin.token_hash.

With --sha256 the output is "sha256:<hex>" instead. SHA-256 hashes are
verified by direct lookup, which keeps handshakes cheap for fleets with
many config-seeded tokens.

Example:
  dockhand hash-token "dck_my-agent-token"
  # Output: $argon2id$v=19$m=47104,t=1,p=1$...

Security note: The token will appear in shell history.
Consider clearing history after use or using an environment variable:
  dockhand hash-token "$MY_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		if hashTokenSHA256 {
			fmt.Printf("sha256:%s\n", auth.HashToken(token))
			return nil
		}
		hash, err := auth.HashTokenArgon2id(token)
		if err != nil {
			return fmt.Errorf("hash token: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashTokenCmd.Flags().BoolVar(&hashTokenSHA256, "sha256", false, "Emit a sha256:<hex> hash instead of Argon2id")
	rootCmd.AddCommand(hashTokenCmd)
}
