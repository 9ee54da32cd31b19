// Package mcpserver implements an MCP (Model Context Protocol) server
// that exposes cascade execution and session inspection as typed tools
// over stdio JSON-RPC, so an agent host can drive the engine directly.
package mcpserver

import (
	"context"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rvbbit/windlass/internal/checkpoint"
	"github.com/rvbbit/windlass/internal/runner"
	"github.com/rvbbit/windlass/internal/sessionstate"
	"github.com/rvbbit/windlass/internal/unilog"
)

// Version is reported in the MCP handshake.
const Version = "0.1.0"

// Server holds the runtime collaborators the MCP tools operate on.
type Server struct {
	runner      *runner.Runner
	states      *sessionstate.Store
	checkpoints *checkpoint.Manager
	store       *unilog.Store
}

// NewServer creates an MCP server over the given runtime.
func NewServer(r *runner.Runner, states *sessionstate.Store, cps *checkpoint.Manager, store *unilog.Store) *Server {
	return &Server{runner: r, states: states, checkpoints: cps, store: store}
}

// Run starts the MCP stdio server. It blocks until the context is
// cancelled or stdin is closed.
func (s *Server) Run(ctx context.Context) error {
	mcpServer := server.NewMCPServer(
		"windlass",
		Version,
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTools(
		server.ServerTool{Tool: runCascadeTool(), Handler: s.handleRunCascade},
		server.ServerTool{Tool: getSessionTool(), Handler: s.handleGetSession},
		server.ServerTool{Tool: respondCheckpointTool(), Handler: s.handleRespondCheckpoint},
		server.ServerTool{Tool: queryLogTool(), Handler: s.handleQueryLog},
	)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
