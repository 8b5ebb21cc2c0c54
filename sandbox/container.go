package sandbox

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// containerRemoveTimeout bounds the idempotent rm -f safety net.
const containerRemoveTimeout = 5 * time.Second

// ContainerDriver runs each command in a uniquely named, auto-removing
// container. This is the strongest practical isolation tier:
//
//   - all capabilities dropped, privilege escalation disabled
//   - read-only root filesystem; the work directory is the only writable
//     location, mounted noexec so the command can write files but never
//     execute anything it wrote
//   - memory, CPU and process-count ceilings
//   - no network stack unless explicitly enabled, and then only the
//     default isolated network, never the host's
type ContainerDriver struct {
	logger *zap.Logger
	config *Config
	runner CommandRunner
}

// ContainerDriverOption defines a functional option for ContainerDriver.
type ContainerDriverOption func(*ContainerDriver)

// WithContainerCommandRunner sets the CommandRunner for ContainerDriver.
func WithContainerCommandRunner(runner CommandRunner) ContainerDriverOption {
	return func(d *ContainerDriver) {
		d.runner = runner
	}
}

// NewContainerDriver creates a container driver for the configured engine
// (docker or podman).
func NewContainerDriver(logger *zap.Logger, config *Config, opts ...ContainerDriverOption) *ContainerDriver {
	d := &ContainerDriver{
		logger: logger,
		config: config.withDefaults(),
		runner: RealCommandRunner{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (*ContainerDriver) Backend() Backend {
	return BackendContainer
}

// Available probes the container engine with a lightweight status query.
func (d *ContainerDriver) Available(ctx context.Context) bool {
	exitCode, err := d.runner.Run(ctx, Command{
		Name:   d.config.ContainerEngine,
		Args:   []string{"version", "--format", "{{.Server.Version}}"},
		Stdout: io.Discard,
		Stderr: io.Discard,
	})
	return err == nil && exitCode == 0
}

// Run executes the command in a fresh container named after the execution
// id. The container is torn down on every exit path; teardown is
// idempotent and tolerates the container already being gone.
func (d *ContainerDriver) Run(ctx context.Context, execID, command string, files []File) Result {
	res := Result{
		ExecutionID: execID,
		Backend:     BackendContainer,
		ExitCode:    -1,
	}

	script, err := injectionPrelude(d.config.WorkDir, files)
	if err != nil {
		res.Stderr = fmt.Sprintf("invalid injected file: %v", err)
		return res
	}
	script += command

	containerName := "shellbox-" + execID
	args := d.containerArgs(containerName)
	args = append(args, d.config.ContainerImage, "sh", "-c", script)

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, d.config.timeout())
	defer cancelTimeout()

	runCtx, kill := context.WithCancel(timeoutCtx)
	defer kill()

	stdout := newCappedWriter(MaxStdoutBytes, kill)
	stderr := newCappedWriter(MaxStderrBytes, kill)

	d.logger.Debug("executing container",
		zap.String("execution_id", execID),
		zap.String("container", containerName),
		zap.String("image", d.config.ContainerImage),
		zap.Int("memory_limit_mb", d.config.MemoryLimitMB),
		zap.Float64("cpu_limit", d.config.CPULimit),
		zap.Int("timeout_ms", d.config.TimeoutMs))

	exitCode, runErr := d.runner.Run(runCtx, Command{
		Name:   d.config.ContainerEngine,
		Args:   args,
		Stdout: stdout,
		Stderr: stderr,
	})

	res.TimedOut = timeoutCtx.Err() == context.DeadlineExceeded
	killed := res.TimedOut || stdout.Truncated() || stderr.Truncated()

	// --rm normally removes the container; after a kill the daemon may not
	// have gotten the chance, so force-remove by name as a second line of
	// defense.
	if killed {
		d.forceRemove(containerName)
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = exitCode

	if runErr != nil && !killed {
		// Engine unreachable or the run never started.
		res.ExitCode = -1
		res.Stderr = res.Stderr + runErr.Error()
		return res
	}

	res.Success = res.ExitCode == 0 && !res.TimedOut
	return res
}

// containerArgs assembles the engine run arguments up to (but excluding)
// the image and command.
func (d *ContainerDriver) containerArgs(name string) []string {
	memory := strconv.Itoa(d.config.MemoryLimitMB) + "m"

	args := []string{
		"run", "--rm",
		"--name", name,

		// Hardening.
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--user", "65534:65534",

		// Resource ceilings. memory-swap equal to memory disables swap so
		// the limit is a hard OOM boundary.
		"--memory", memory,
		"--memory-swap", memory,
		"--cpus", strconv.FormatFloat(d.config.CPULimit, 'f', 2, 64),
		"--pids-limit", strconv.Itoa(d.config.PidsLimit),

		// The work directory is the only writable mount, and it is noexec:
		// the sandbox can write files but cannot execute anything it wrote.
		"--tmpfs", fmt.Sprintf("%s:rw,noexec,nosuid,size=%dm", d.config.WorkDir, workDirTmpfsSizeMB),
		"--workdir", d.config.WorkDir,

		// Sanitized environment, no host inheritance.
		"--env", "HOME=" + d.config.WorkDir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=C.UTF-8",
		"--env", "TERM=dumb",
	}

	if d.config.NetworkEnabled {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}

	for _, kv := range sortedEnv(d.config.Env) {
		args = append(args, "--env", kv)
	}

	return args
}

// forceRemove removes a container by name, ignoring "already gone".
func (d *ContainerDriver) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), containerRemoveTimeout)
	defer cancel()

	var out strings.Builder
	exitCode, err := d.runner.Run(ctx, Command{
		Name:   d.config.ContainerEngine,
		Args:   []string{"rm", "-f", name},
		Stdout: io.Discard,
		Stderr: &out,
	})
	if err != nil || exitCode != 0 {
		if strings.Contains(out.String(), "No such container") {
			return
		}
		d.logger.Warn("failed to force-remove container",
			zap.String("container", name),
			zap.Int("exit_code", exitCode),
			zap.String("output", out.String()),
			zap.Error(err))
	}
}

// injectionPrelude builds the inline setup step that materializes injected
// files inside the container before the real command runs. Content is
// single-quote escaped so injected data cannot terminate the setup step
// early.
func injectionPrelude(workDir string, files []File) (string, error) {
	if len(files) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, f := range files {
		dst, err := sandboxPath(workDir, f.Path)
		if err != nil {
			return "", err
		}
		dir := path.Dir(dst)
		b.WriteString("mkdir -p ")
		b.WriteString(shellQuote(dir))
		b.WriteString(" && printf %s ")
		b.WriteString(shellQuote(f.Content))
		b.WriteString(" > ")
		b.WriteString(shellQuote(dst))
		b.WriteString(" && ")
	}
	return b.String(), nil
}

// sortedEnv renders an env map as deterministic KEY=VALUE pairs.
func sortedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	kvs := make([]string, 0, len(env))
	for k, v := range env {
		kvs = append(kvs, k+"="+v)
	}
	// Stable argument order keeps container invocations reproducible.
	sort.Strings(kvs)
	return kvs
}
