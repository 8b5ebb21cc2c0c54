// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// sandbox execution service as tools. It uses the mark3labs/mcp-go library
// to handle the protocol details and provides run_command as the primary
// interface for isolated command execution.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/shellbox/classifier"
	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/sandbox"
)

// Executor is the sandbox contract the server exposes as tools.
type Executor interface {
	Execute(ctx context.Context, command string, files []sandbox.File) sandbox.Result
	IsAvailable(ctx context.Context) bool
	Classify(command string) classifier.Verdict
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  Executor
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor Executor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
	}

	// Log configuration parameters on startup. Credentials are never logged.
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.backend", s.config.Sandbox.Backend),
		zap.Int("sandbox.timeout_ms", s.config.Sandbox.TimeoutMs),
		zap.Int("sandbox.memory_limit_mb", s.config.Sandbox.MemoryLimitMB),
		zap.Float64("sandbox.cpu_limit", s.config.Sandbox.CPULimit),
		zap.Bool("sandbox.network_enabled", s.config.Sandbox.NetworkEnabled),
		zap.String("sandbox.container_engine", s.config.Sandbox.ContainerEngine),
		zap.String("sandbox.container_image", s.config.Sandbox.ContainerImage),
		zap.String("sandbox.work_dir", s.config.Sandbox.WorkDir),
		zap.Bool("sandbox.cloud_configured", s.config.Sandbox.CloudAPIKey != ""),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("shellbox", "An ephemeral sandbox command execution server")

	s.registerRunCommandTool()
	s.registerClassifyCommandTool()
	s.registerSandboxStatusTool()

	return s, nil
}

// registerRunCommandTool registers the run_command tool
func (s *MCPServer) registerRunCommandTool() {
	tool := mcp.Tool{
		Name:        "run_command",
		Description: "Execute a shell command in an ephemeral, isolated sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to execute",
				},
				"files": map[string]any{
					"type":        "array",
					"description": "Files to materialize in the sandbox work directory before the command runs (optional)",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"path": map[string]any{
								"type":        "string",
								"description": "Path relative to the sandbox work directory",
							},
							"content": map[string]any{
								"type":        "string",
								"description": "File content",
							},
						},
						"required": []string{"path", "content"},
					},
				},
			},
			Required: []string{"command"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunCommand)
}

// registerClassifyCommandTool registers the classify_command tool
func (s *MCPServer) registerClassifyCommandTool() {
	tool := mcp.Tool{
		Name:        "classify_command",
		Description: "Classify the risk of a shell command without executing it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to classify",
				},
			},
			Required: []string{"command"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleClassifyCommand)
}

// registerSandboxStatusTool registers the sandbox_status tool
func (s *MCPServer) registerSandboxStatusTool() {
	tool := mcp.Tool{
		Name:        "sandbox_status",
		Description: "Report whether the configured sandbox backend is ready to execute commands",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleSandboxStatus)
}

// handleRunCommand handles the run_command tool
func (s *MCPServer) handleRunCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}

	files, err := parseFiles(request.GetArguments())
	if err != nil {
		return nil, err
	}

	s.logger.Info("executing command in sandbox",
		zap.Int("command_len", len(command)),
		zap.Int("files", len(files)))

	result := s.executor.Execute(ctx, command, files)

	s.logger.Info("command execution completed",
		zap.String("execution_id", result.ExecutionID),
		zap.Bool("success", result.Success),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Bool("degraded", result.Degraded),
		zap.Int64("execution_time_ms", result.ExecutionTimeMs))

	return jsonResult(result)
}

// handleClassifyCommand handles the classify_command tool
func (s *MCPServer) handleClassifyCommand(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}

	return jsonResult(s.executor.Classify(command))
}

// handleSandboxStatus handles the sandbox_status tool
func (s *MCPServer) handleSandboxStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := struct {
		Backend   string `json:"backend"`
		Available bool   `json:"available"`
	}{
		Backend:   s.config.Sandbox.Backend,
		Available: s.executor.IsAvailable(ctx),
	}
	return jsonResult(status)
}

// parseFiles decodes the optional files argument.
func parseFiles(args map[string]any) ([]sandbox.File, error) {
	raw, ok := args["files"]
	if !ok || raw == nil {
		return nil, nil
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("files parameter must be an array")
	}

	files := make([]sandbox.File, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("files[%d] must be an object", i)
		}
		path, ok := obj["path"].(string)
		if !ok || path == "" {
			return nil, fmt.Errorf("files[%d].path must be a non-empty string", i)
		}
		content, ok := obj["content"].(string)
		if !ok {
			return nil, fmt.Errorf("files[%d].content must be a string", i)
		}
		files = append(files, sandbox.File{Path: path, Content: content})
	}
	return files, nil
}

// jsonResult renders a value as a single JSON text content block.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
