package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nacorid/x402/gateway"
)

// X402Server wraps an MCP server and routes priced tools through a dispatcher.
type X402Server struct {
	mcpServer *mcpserver.MCPServer
	config    *Config
}

// NewX402Server creates a new MCP server with x402 payment support.
func NewX402Server(name, version string, config *Config) (*X402Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	mcpServer := mcpserver.NewMCPServer(name, version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	return &X402Server{
		mcpServer: mcpServer,
		config:    config,
	}, nil
}

// AddTool adds a free tool (no payment required).
func (s *X402Server) AddTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
}

// AddPayableTool registers handler as a priced tool. The MCP tool definition
// is listed by tools/list; calls are answered by X402Handler. The tool price
// comes from the dispatcher's catalog.
func (s *X402Server) AddPayableTool(tool mcpproto.Tool, handler gateway.Tool) error {
	if handler.Name == "" {
		handler.Name = tool.Name
	}
	if handler.Name != tool.Name {
		return fmt.Errorf("payable tool %s registered under name %s", tool.Name, handler.Name)
	}
	if handler.Description == "" {
		handler.Description = tool.Description
	}
	if err := s.config.Dispatcher.Register(handler); err != nil {
		return err
	}
	s.mcpServer.AddTool(tool, unreachablePaidTool)
	return nil
}

// unreachablePaidTool answers priced calls that bypassed X402Handler, for
// example over stdio, where no payment can be attached.
func unreachablePaidTool(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	return mcpproto.NewToolResultError(fmt.Sprintf("tool %s requires an x402 payment over the HTTP transport", req.Params.Name)), nil
}

// Handler returns the streamable HTTP handler wrapped with x402 payment handling.
func (s *X402Server) Handler() (http.Handler, error) {
	httpServer := mcpserver.NewStreamableHTTPServer(s.mcpServer, mcpserver.WithStateLess(true))
	return NewX402Handler(httpServer, s.config)
}

// Start serves the MCP endpoint on addr until ctx is cancelled.
func (s *X402Server) Start(ctx context.Context, addr string) error {
	handler, err := s.Handler()
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.config.logger().Info("starting x402 MCP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// GetMCPServer returns the underlying MCP server (for advanced usage).
func (s *X402Server) GetMCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
