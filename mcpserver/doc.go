// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// sandbox execution service as tools: run_command executes a shell command
// in an ephemeral isolated environment, classify_command pre-flights a
// command's risk without executing it, and sandbox_status reports backend
// readiness.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, orchestrator)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
