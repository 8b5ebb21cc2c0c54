package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strings"
	"syscall"
	"time"
)

// Backend identifies an isolation strategy.
type Backend string

// Supported backends, ordered from weakest to strongest isolation.
const (
	BackendRestrictedProcess Backend = "restricted_process"
	BackendContainer         Backend = "container"
	BackendCloudVM           Backend = "cloud_vm"
)

// Output caps. Hitting a cap truncates the stream, appends
// TruncationMarker and force-kills the running command.
const (
	MaxStdoutBytes = 1 << 20   // 1 MiB
	MaxStderrBytes = 512 << 10 // 512 KiB

	TruncationMarker = "\n[output truncated]"
)

// Configuration defaults.
const (
	DefaultTimeoutMs       = 30000
	DefaultMemoryLimitMB   = 512
	DefaultCPULimit        = 1.0
	DefaultPidsLimit       = 128
	DefaultWorkDir         = "/sandbox"
	DefaultContainerEngine = "docker"
	DefaultContainerImage  = "alpine:latest"
)

// workDirTmpfsSizeMB caps the container's only writable mount.
const workDirTmpfsSizeMB = 256

// Config holds the sandbox configuration. It is read once at construction
// and never mutated afterwards; a single Config may back any number of
// concurrent executions.
type Config struct {
	Backend         Backend
	TimeoutMs       int
	MemoryLimitMB   int
	CPULimit        float64
	PidsLimit       int
	NetworkEnabled  bool
	ContainerEngine string
	ContainerImage  string
	CloudAPIURL     string
	CloudAPIKey     string
	CloudTemplate   string
	WorkDir         string
	Env             map[string]string
}

// withDefaults returns a copy of the config with zero values replaced by
// defaults. The receiver is left untouched.
func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = DefaultTimeoutMs
	}
	if cfg.MemoryLimitMB <= 0 {
		cfg.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if cfg.CPULimit <= 0 {
		cfg.CPULimit = DefaultCPULimit
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = DefaultPidsLimit
	}
	if cfg.ContainerEngine == "" {
		cfg.ContainerEngine = DefaultContainerEngine
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = DefaultContainerImage
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = DefaultWorkDir
	}
	return &cfg
}

func (c *Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// File describes a file to materialize inside the sandbox before the
// command runs. Path is relative to the sandbox work directory.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Result is the single output type of every execution, identical in shape
// regardless of which backend produced it. It is never mutated after being
// returned.
type Result struct {
	// ExecutionID is a fresh UUID per call, also used as the container or
	// session name so concurrent executions never collide.
	ExecutionID string `json:"execution_id"`

	// Success is true iff the exit code is 0 and no timeout occurred.
	Success bool `json:"success"`

	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// ExitCode is the command's exit code; -1 is reserved for "never ran"
	// or an internal driver error.
	ExitCode int `json:"exit_code"`

	// ExecutionTimeMs is wall-clock elapsed time measured by the
	// orchestrator, not the driver.
	ExecutionTimeMs int64 `json:"execution_time_ms"`

	TimedOut bool `json:"timed_out"`

	// Backend is the driver that actually produced the result. Under the
	// cloud driver's fallback this differs from RequestedBackend.
	Backend Backend `json:"backend"`

	// RequestedBackend is the backend the orchestrator was configured with.
	RequestedBackend Backend `json:"requested_backend"`

	// Degraded is true when a weaker isolation tier substituted for the
	// requested one. Callers that chose the backend for isolation should
	// refuse degraded results.
	Degraded bool `json:"degraded"`
}

// Driver runs one command under a specific isolation strategy. Drivers are
// total: every failure mode is normalized into the Result, never returned
// as an error.
type Driver interface {
	Run(ctx context.Context, execID, command string, files []File) Result
	Available(ctx context.Context) bool
	Backend() Backend
}

// Command describes a host process for a CommandRunner.
type Command struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string // nil inherits the host environment
	Stdout io.Writer
	Stderr io.Writer
}

// CommandRunner executes host commands. It exists so driver tests can stub
// out process and container-engine invocations.
type CommandRunner interface {
	// Run executes the command, streaming output into cmd.Stdout/Stderr,
	// and returns its exit code. The returned error is non-nil only when
	// the command could not be run at all; a non-zero exit is a result,
	// not an error. Cancelling ctx kills the whole process group.
	Run(ctx context.Context, cmd Command) (exitCode int, err error)
}

// RealCommandRunner implements CommandRunner on top of os/exec.
type RealCommandRunner struct{}

func (RealCommandRunner) Run(ctx context.Context, c Command) (int, error) {
	if c.Name == "" {
		return -1, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...) //nolint:gosec // command assembly is the caller's responsibility
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	// The child gets its own process group so a kill reaches everything the
	// command spawned, not just the immediate shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// cappedWriter buffers output up to a byte limit. The first write that
// exceeds the limit triggers the overflow callback exactly once; further
// data is discarded. Writes never fail so the command keeps draining until
// the kill lands.
type cappedWriter struct {
	buf       bytes.Buffer
	remaining int
	truncated bool
	overflow  func()
}

func newCappedWriter(limit int, overflow func()) *cappedWriter {
	return &cappedWriter{remaining: limit, overflow: overflow}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.truncated {
		return n, nil
	}
	if len(p) > w.remaining {
		p = p[:w.remaining]
	}
	w.buf.Write(p)
	w.remaining -= len(p)
	if len(p) < n {
		w.truncated = true
		if w.overflow != nil {
			w.overflow()
		}
	}
	return n, nil
}

// String returns the captured output with the truncation marker appended
// when the cap was hit.
func (w *cappedWriter) String() string {
	if w.truncated {
		return w.buf.String() + TruncationMarker
	}
	return w.buf.String()
}

func (w *cappedWriter) Truncated() bool {
	return w.truncated
}

// capString applies the same cap and marker to output that arrives as a
// whole string (cloud driver responses).
func capString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + TruncationMarker
}

// sandboxPath resolves an injected file path against the sandbox work
// directory, rejecting absolute paths and traversal outside of it.
func sandboxPath(workDir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty file path")
	}
	if path.IsAbs(rel) {
		return "", fmt.Errorf("absolute file path not allowed: %s", rel)
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("file path escapes work directory: %s", rel)
	}
	return path.Join(workDir, clean), nil
}

// shellQuote wraps s in single quotes so the shell treats it as a literal,
// closing and reopening the quote around embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
