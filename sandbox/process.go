package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// trustedPath is the only executable search path handed to restricted
// processes. The caller's inherited PATH is never used.
const trustedPath = "/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin"

// ProcessDriver runs commands as child processes with a deliberately
// narrowed environment. It is the weakest isolation tier and exists as a
// zero-dependency fallback, not a primary security boundary: the command
// still shares the host kernel and filesystem view.
type ProcessDriver struct {
	logger *zap.Logger
	config *Config
	runner CommandRunner
}

// ProcessDriverOption defines a functional option for ProcessDriver.
type ProcessDriverOption func(*ProcessDriver)

// WithProcessCommandRunner sets the CommandRunner for ProcessDriver.
func WithProcessCommandRunner(runner CommandRunner) ProcessDriverOption {
	return func(d *ProcessDriver) {
		d.runner = runner
	}
}

// NewProcessDriver creates a restricted-process driver.
func NewProcessDriver(logger *zap.Logger, config *Config, opts ...ProcessDriverOption) *ProcessDriver {
	d := &ProcessDriver{
		logger: logger,
		config: config.withDefaults(),
		runner: RealCommandRunner{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (*ProcessDriver) Backend() Backend {
	return BackendRestrictedProcess
}

// Available always reports true: the driver needs nothing beyond a shell.
func (*ProcessDriver) Available(context.Context) bool {
	return true
}

// Run executes the command in a per-execution workspace directory that is
// removed before Run returns, on every exit path.
func (d *ProcessDriver) Run(ctx context.Context, execID, command string, files []File) Result {
	res := Result{
		ExecutionID: execID,
		Backend:     BackendRestrictedProcess,
		ExitCode:    -1,
	}

	workspace := filepath.Join(os.TempDir(), "shellbox-"+execID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		res.Stderr = fmt.Sprintf("failed to create workspace: %v", err)
		return res
	}
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			d.logger.Error("failed to remove workspace", zap.String("path", workspace), zap.Error(rmErr))
		}
	}()

	if err := materializeFiles(workspace, files); err != nil {
		res.Stderr = fmt.Sprintf("failed to write injected files: %v", err)
		return res
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, d.config.timeout())
	defer cancelTimeout()

	// A second cancellation layer lets an output-cap overflow kill the
	// process through the same path the timeout uses.
	runCtx, kill := context.WithCancel(timeoutCtx)
	defer kill()

	stdout := newCappedWriter(MaxStdoutBytes, kill)
	stderr := newCappedWriter(MaxStderrBytes, kill)

	d.logger.Debug("executing restricted process",
		zap.String("execution_id", execID),
		zap.String("workspace", workspace),
		zap.Int("timeout_ms", d.config.TimeoutMs))

	exitCode, runErr := d.runner.Run(runCtx, Command{
		Name:   "/bin/sh",
		Args:   []string{"-c", d.wrapCommand(command)},
		Dir:    workspace,
		Env:    d.buildEnv(workspace),
		Stdout: stdout,
		Stderr: stderr,
	})

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = exitCode
	res.TimedOut = timeoutCtx.Err() == context.DeadlineExceeded

	if runErr != nil && !res.TimedOut && !stdout.Truncated() && !stderr.Truncated() {
		// The command never ran (shell missing, workspace gone, ...).
		res.ExitCode = -1
		res.Stderr = res.Stderr + runErr.Error()
		return res
	}

	res.Success = res.ExitCode == 0 && !res.TimedOut
	return res
}

// wrapCommand prepends a best-effort process-count ulimit so a runaway
// command cannot spawn unbounded children even on this tier.
func (d *ProcessDriver) wrapCommand(command string) string {
	return fmt.Sprintf("ulimit -u %d 2>/dev/null; %s", d.config.PidsLimit, command)
}

// buildEnv constructs the narrowed environment: trusted PATH, workspace
// HOME/TMPDIR, and the config's explicit overrides. Nothing is inherited
// from the host process, so its credentials never leak into the command.
func (d *ProcessDriver) buildEnv(workspace string) []string {
	merged := map[string]string{
		"PATH":   trustedPath,
		"HOME":   workspace,
		"TMPDIR": workspace,
		"LANG":   "C.UTF-8",
		"TERM":   "dumb",
	}
	for k, v := range d.config.Env {
		merged[k] = v
	}
	return sortedEnv(merged)
}

// materializeFiles writes injected files under the workspace root,
// creating parent directories as needed.
func materializeFiles(root string, files []File) error {
	for _, f := range files {
		rel, err := sandboxPath("", f.Path)
		if err != nil {
			return err
		}
		dst := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("failed to create parent directories for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dst, []byte(f.Content), 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
	}
	return nil
}
