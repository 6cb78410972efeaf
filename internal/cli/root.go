// Package cli implements the x402-gateway command line.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is the gateway release, overridden at link time with
// -ldflags "-X github.com/nacorid/x402/internal/cli.Version=...".
var Version = "1.2.0"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "x402-gateway",
		Short: "Payment-gated tool gateway",
		Long: `x402-gateway serves tools over MCP and plain HTTP. Priced tools answer
with an x402 payment challenge and run once the payment is verified; the
payment settles after the tool succeeds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
