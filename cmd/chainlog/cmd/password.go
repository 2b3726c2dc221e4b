package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/karasz/chainlog"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Read a password from stdin and print its bcrypt hash",
	Long: `Print a bcrypt hash for use as server.password_hash or CHAINLOG_PASSWORD_HASH.

Example:
  echo -n 's3cret' | chainlog hash-password
`,
	RunE: runHashPassword,
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}

func runHashPassword(c *cobra.Command, args []string) error {
	line, err := bufio.NewReader(c.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read password: %w", err)
	}
	hash, err := chainlog.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.OutOrStdout(), hash)
	return nil
}
