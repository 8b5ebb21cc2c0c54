// Package main is the entry point for the shellbox MCP server.
//
// The shellbox server implements a secure, configurable Model Context
// Protocol (MCP) server that executes untrusted, typically agent-generated
// shell commands in ephemeral isolated sandboxes. The server supports both
// stdio and HTTP transports and provides hard security boundaries through
// command risk classification, resource limits, network isolation, and
// deterministic environment teardown.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/shellbox/classifier"
	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/logger"
	"github.com/isdmx/shellbox/mcpserver"
	"github.com/isdmx/shellbox/sandbox"
)

// newOrchestrator translates the application configuration into the
// sandbox configuration and constructs the orchestrator.
func newOrchestrator(cfg *config.Config, log *zap.Logger, rules *classifier.RuleSet) (*sandbox.Orchestrator, error) {
	return sandbox.NewOrchestrator(log, &sandbox.Config{
		Backend:         sandbox.Backend(cfg.Sandbox.Backend),
		TimeoutMs:       cfg.Sandbox.TimeoutMs,
		MemoryLimitMB:   cfg.Sandbox.MemoryLimitMB,
		CPULimit:        cfg.Sandbox.CPULimit,
		PidsLimit:       cfg.Sandbox.PidsLimit,
		NetworkEnabled:  cfg.Sandbox.NetworkEnabled,
		ContainerEngine: cfg.Sandbox.ContainerEngine,
		ContainerImage:  cfg.Sandbox.ContainerImage,
		CloudAPIURL:     cfg.Sandbox.CloudAPIURL,
		CloudAPIKey:     cfg.Sandbox.CloudAPIKey,
		CloudTemplate:   cfg.Sandbox.CloudTemplate,
		WorkDir:         cfg.Sandbox.WorkDir,
		Env:             cfg.Sandbox.Env,
	}, rules)
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Classification rules compiled once at startup
			func() *classifier.RuleSet { return classifier.Default() },

			// Sandbox orchestrator based on config
			newOrchestrator,
			func(o *sandbox.Orchestrator) mcpserver.Executor { return o },

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
