// Package sandbox provides ephemeral, isolated shell command execution.
//
// The sandbox package implements the execution engine for running
// untrusted, typically agent-generated commands in time- and
// resource-bounded environments. Three interchangeable backends stand
// behind one contract: a restricted child process (weakest tier,
// zero external dependencies), an auto-removing hardened container
// (strongest practical tier), and a cloud micro-VM session that degrades
// to the restricted process when the provider is unusable.
//
// The Orchestrator classifies each command first, refuses commands that
// endanger the host even under isolation, dispatches to the configured
// driver, and normalizes every outcome (failure, timeout, output
// overflow, even a driver panic) into a single Result. The isolated
// environment is created per execution and destroyed before Execute
// returns, on every exit path.
//
// Usage:
//
//	orch, err := sandbox.NewOrchestrator(logger, &sandbox.Config{
//	    Backend: sandbox.BackendContainer,
//	}, nil)
//	result := orch.Execute(ctx, "echo hello", nil)
package sandbox
