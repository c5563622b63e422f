package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/moduleconv/internal/secrets"
)

var secretsRecipient string

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Encrypt credentials for the catalog",
}

var secretsEncryptCmd = &cobra.Command{
	Use:   "encrypt [value]",
	Short: "Encrypt an API key or token with age",
	Long: `Encrypt a credential for an age recipient. The armored output can be
pasted into api_key_encrypted or token_encrypted of the catalog. Without an
argument the value is read from stdin.

Examples:
  moduleconv secrets encrypt --recipient age1... sk-live-123
  echo -n "$GITHUB_TOKEN" | moduleconv secrets encrypt --recipient age1...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSecretsEncrypt,
}

func init() {
	secretsEncryptCmd.Flags().StringVarP(&secretsRecipient, "recipient", "r", "", "age recipient (required)")
	_ = secretsEncryptCmd.MarkFlagRequired("recipient")
	secretsCmd.AddCommand(secretsEncryptCmd)
}

func runSecretsEncrypt(cmd *cobra.Command, args []string) error {
	value := ""
	if len(args) == 1 {
		value = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		value = strings.TrimRight(string(data), "\r\n")
	}
	if value == "" {
		return fmt.Errorf("nothing to encrypt")
	}

	armored, err := secrets.Encrypt(secretsRecipient, value)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), armored)
	return nil
}
