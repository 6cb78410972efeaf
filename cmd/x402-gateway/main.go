// Command x402-gateway runs the payment-gated tool gateway.
package main

import (
	"fmt"
	"os"

	"github.com/nacorid/x402/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
