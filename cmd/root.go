package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the jmapgate application
var rootCmd = newRootCmd()

// version will be set by main
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jmapgate",
		Short: "JMAP-over-HTTP authentication and dispatch gateway",
		Long: `jmapgate authenticates JMAP clients through a chain of providers and
dispatches their batched method calls to the backends that serve them.

Configuration is read from an optional TOML file, JMAPGATE_* environment
variables and command line flags, in increasing order of precedence.`,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "jmapgate version %s\n" .Version}}`)

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newHashPasswordCmd())
	root.AddCommand(newInitConfigCmd())
	root.AddCommand(newGenerateDocsCmd())
	return root
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
