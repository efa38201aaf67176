// Package mcp exposes the tracer to AI agents over the Model Context
// Protocol: a bounded trace run returning the amplification analysis as
// JSON, and a capabilities probe.
package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server instance.
type Server struct {
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP server with registered tools.
func NewServer(version string) *Server {
	s := server.NewMCPServer("reverb", version, server.WithLogging())
	registerTools(s)
	return &Server{mcpServer: s}
}

// Start runs the server in stdio mode (blocking).
func (s *Server) Start(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.mcpServer)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// registerTools adds all supported tools to the server.
func registerTools(s *server.MCPServer) {
	traceTool := mcp.NewTool("trace_amplification",
		mcp.WithDescription("Trace I/O write amplification across the storage stack for a bounded duration. Returns the per-layer statistics, amplification breakdown, and per-request rollups as JSON. Requires root and a CO-RE kernel."),
		mcp.WithNumber("duration_seconds",
			mcp.Description("How long to trace (default 10, max 120)"),
			mcp.DefaultNumber(10),
		),
		mcp.WithString("system",
			mcp.Description("Filter to one storage system: minio, ceph, etcd, postgres, gluster. Omit for all."),
			mcp.Enum("minio", "ceph", "etcd", "postgres", "gluster"),
		),
		mcp.WithBoolean("workload_only",
			mcp.Description("Restrict to object-storage workload traffic"),
		),
		mcp.WithString("bpf_object",
			mcp.Description("Path to the compiled probe object (default reverb_tracer.bpf.o)"),
		),
	)
	s.AddTool(traceTool, handleTraceAmplification)

	capsTool := mcp.NewTool("get_capabilities",
		mcp.WithDescription("Report whether this kernel can run the five-layer probe set: BPF syscall, BTF/CO-RE, ring buffers, kprobes. Fast, no root required."),
	)
	s.AddTool(capsTool, handleGetCapabilities)
}
