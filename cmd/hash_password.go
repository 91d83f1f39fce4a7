package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teemow/jmapgate/internal/backend/static"
)

func newHashPasswordCmd() *cobra.Command {
	var (
		password string
		cost     int
	)

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for a static user",
		Long: `Print a bcrypt hash suitable for password_hash in the
[[providers.static.users]] section of the config file.

The password is read from the first line of standard input unless
--password is given. Prefer standard input; flags end up in shell history.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("password") {
				var err error
				password, err = readPassword(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			if password == "" {
				return errors.New("password must not be empty")
			}
			hash, err := static.HashPassword(password, cost)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "Password to hash (default: read from stdin)")
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (default 10)")

	return cmd
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
