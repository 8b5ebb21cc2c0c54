// Package main starts the shellbox MCP server, which executes untrusted
// shell commands in ephemeral, isolated, resource-bounded sandboxes.
package main
