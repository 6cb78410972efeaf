// Package server provides an MCP server whose priced tools are paid for
// with x402 payments.
package server

import (
	"context"
	"log/slog"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/gateway"
)

// Dispatcher runs priced tool calls. *gateway.Dispatcher implements it.
type Dispatcher interface {
	Handle(ctx context.Context, call gateway.Call) (*gateway.Outcome, error)
	Tool(name string) (gateway.Tool, bool)
	Register(tool gateway.Tool) error
}

// Config holds configuration for the MCP server with x402 payment support.
type Config struct {
	// Dispatcher gates and runs every priced tool.
	Dispatcher Dispatcher

	// MaxBodyBytes bounds a JSON-RPC request body. Zero means 1 MiB.
	MaxBodyBytes int64

	// Verbose logs every intercepted call at info level.
	Verbose bool

	// Logger is the logger for the server.
	// If not set, slog.Default() is used.
	Logger *slog.Logger
}

// DefaultConfig returns a Config around d with default settings.
func DefaultConfig(d Dispatcher) *Config {
	return &Config{
		Dispatcher:   d,
		MaxBodyBytes: 1 << 20,
		Logger:       slog.Default(),
	}
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Config) maxBodyBytes() int64 {
	if c.MaxBodyBytes <= 0 {
		return 1 << 20
	}
	return c.MaxBodyBytes
}

// Validate reports a configuration error when no dispatcher is set.
func (c *Config) Validate() error {
	if c == nil || c.Dispatcher == nil {
		return x402.Errorf(x402.ErrCodeConfiguration, "mcp server: dispatcher is required")
	}
	return nil
}

// RequiresPayment reports whether toolName is a priced tool.
func (c *Config) RequiresPayment(toolName string) bool {
	_, ok := c.Dispatcher.Tool(toolName)
	return ok
}
