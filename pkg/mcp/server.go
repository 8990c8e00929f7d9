package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loonghao/taskchain/internal/engine"
)

// ChainServerDeps holds the dependencies for creating a ChainServer.
type ChainServerDeps struct {
	Manager *engine.Manager
	Logger  *slog.Logger
}

// ChainServer wraps an MCP server with chain execution tool handlers.
type ChainServer struct {
	manager   *engine.Manager
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewChainServer creates a ChainServer with all 6 tools registered.
func NewChainServer(deps ChainServerDeps) *ChainServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ChainServer{
		manager: deps.Manager,
		logger:  logger,
	}

	mcpSrv := server.NewMCPServer(
		"taskchain",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Taskchain executes multi-step prompt chains with data mappings between steps. Use chain.run to execute a chain definition, chain.status to check a run, chain.cancel to stop one, chain.retry to re-run a failed step, chain.validate to lint a definition, and chain.stats for engine statistics."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ChainServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ChainServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *ChainServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: statsTool(), Handler: s.handleStats},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("chain.run",
		mcp.WithDescription("Execute a chain definition to completion"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Chain definition object (id, name, steps)")),
		mcp.WithObject("input", mcp.Description("Initial data bag for the run")),
		mcp.WithObject("config", mcp.Description("Run configuration (max_retries, step_timeout, total_timeout, enable_parallel_execution, error_handling_strategy, data_validation, log_level)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("chain.status",
		mcp.WithDescription("Get the status of a chain run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("chain.cancel",
		mcp.WithDescription("Request cooperative cancellation of a running chain"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("chain.retry",
		mcp.WithDescription("Re-run a failed step of a run using its captured input"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run containing the failed step")),
		mcp.WithNumber("step_index", mcp.Description("Step to retry (default: first failed step)")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("chain.validate",
		mcp.WithDescription("Validate a chain definition without executing it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Chain definition object to validate")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("chain.stats",
		mcp.WithDescription("Get aggregate execution statistics and worker pool metrics"),
	)
}
