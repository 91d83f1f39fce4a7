// Package cmd implements the command-line interface for jmapgate.
//
// This package provides the following commands:
//   - serve: Run the gateway
//   - version: Display version information
//   - hash-password: Print a bcrypt hash for a static user
//   - init-config: Write the annotated example configuration
//   - generate-docs: Describe the providers and methods of a configuration
package cmd
