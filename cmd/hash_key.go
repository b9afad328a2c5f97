package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Hash an API key for security.api_key_hash",
	Long: `Print the bcrypt hash of an API key. Put the hash in the config file
(security.api_key_hash) or WPSCAN_API_KEY_HASH; clients then send the plain
key as "Authorization: Bearer <key>".

The key is read from stdin when no argument is given, which keeps it out of
shell history:
  printf '%s' "$KEY" | wpscan hash-key`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && err != io.EOF {
				return fmt.Errorf("failed to read key: %w", err)
			}
			key = line
		}
		hash, err := hashAPIKey(key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}

func hashAPIKey(key string) (string, error) {
	key = strings.TrimRight(key, "\r\n")
	if len(key) < 16 {
		return "", fmt.Errorf("API key must be at least 16 characters")
	}
	if len(key) > 72 {
		return "", fmt.Errorf("API key must be at most 72 bytes")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}
