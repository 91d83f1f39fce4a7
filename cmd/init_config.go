package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teemow/jmapgate/internal/config"
)

func newInitConfigCmd() *cobra.Command {
	var stdout bool

	cmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the annotated example configuration",
		Long: `Write the annotated example configuration to path (default
jmapgate.toml). An existing file is never overwritten.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout {
				_, err := cmd.OutOrStdout().Write(config.Example())
				return err
			}
			path := "jmapgate.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteExample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Configuration written to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&stdout, "stdout", false, "Print the example instead of writing a file")

	return cmd
}
