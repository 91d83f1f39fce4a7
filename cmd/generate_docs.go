package cmd

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teemow/jmapgate/internal/app"
	"github.com/teemow/jmapgate/internal/config"
	"github.com/teemow/jmapgate/internal/logging"
	"github.com/teemow/jmapgate/internal/provider"
)

func newGenerateDocsCmd() *cobra.Command {
	var (
		configFile string
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "generate-docs",
		Short: "Generate provider and method documentation",
		Long: `Generate markdown documentation for a gateway configuration.
This command builds the enabled providers without contacting any backend
and lists their login methods, JMAP methods and services in chain order,
so the documentation always matches what the gateway would serve.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			markdown, err := generateProvidersMarkdown(cfg)
			if err != nil {
				return err
			}
			if outputFile != "" {
				if err := os.WriteFile(outputFile, []byte(markdown), 0o644); err != nil {
					return fmt.Errorf("failed to write output file: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Documentation written to: %s\n", outputFile)
				return nil
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), markdown)
			return err
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to a TOML config file")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")

	return cmd
}

func generateProvidersMarkdown(cfg *config.Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("invalid configuration: %w", err)
	}
	providers, err := app.BuildProviders(cfg, logging.Discard())
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# JMAP Gateway Reference\n\n")
	sb.WriteString("**Note:** This documentation is generated from the gateway configuration.\n\n")

	sb.WriteString("## Login Methods\n\n")
	for _, p := range providers {
		ap, ok := p.(provider.AuthProvider)
		if !ok {
			continue
		}
		for _, m := range ap.AuthMethods() {
			fmt.Fprintf(&sb, "- `%s` (%s)\n", m.Type, p.Name())
		}
	}
	sb.WriteString("\n")

	if len(cfg.Plugins.Enabled) > 0 {
		sb.WriteString("## Plugins\n\n")
		for _, name := range cfg.Plugins.Enabled {
			fmt.Fprintf(&sb, "- %s\n", name)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Methods\n\n")
	sb.WriteString("`getAccounts` is built in and merges the accounts of every provider below.\n\n")
	for _, p := range providers {
		cp, ok := p.(provider.CommandProvider)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "### %s\n\n", p.Name())
		if services := cp.Services(); len(services) > 0 {
			fmt.Fprintf(&sb, "**Services:** %s\n\n", strings.Join(services, ", "))
		}
		methods := slices.Sorted(slices.Values(cp.Methods()))
		if len(methods) == 0 {
			sb.WriteString("Contributes accounts only.\n\n")
			continue
		}
		for _, m := range methods {
			fmt.Fprintf(&sb, "- `%s`\n", m)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
