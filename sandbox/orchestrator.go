package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/shellbox/classifier"
)

// Orchestrator is the entry point of the service: it classifies each
// command, dispatches to the configured backend driver, and normalizes
// every outcome into a Result. It holds only static configuration, so a
// single Orchestrator supports arbitrary concurrent Execute calls.
type Orchestrator struct {
	logger *zap.Logger
	config *Config
	rules  *classifier.RuleSet
	driver Driver
}

// OrchestratorOption defines a functional option for Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithDriver overrides the driver selected from the config. Used by tests
// to observe dispatch.
func WithDriver(driver Driver) OrchestratorOption {
	return func(o *Orchestrator) {
		o.driver = driver
	}
}

// NewOrchestrator creates an orchestrator for the configured backend. An
// unknown backend is the one failure reported at construction rather than
// at call time.
func NewOrchestrator(logger *zap.Logger, config *Config, rules *classifier.RuleSet, opts ...OrchestratorOption) (*Orchestrator, error) {
	cfg := config.withDefaults()
	if rules == nil {
		rules = classifier.Default()
	}

	o := &Orchestrator{
		logger: logger,
		config: cfg,
		rules:  rules,
	}

	switch cfg.Backend {
	case BackendRestrictedProcess:
		o.driver = NewProcessDriver(logger, cfg)
	case BackendContainer:
		o.driver = NewContainerDriver(logger, cfg)
	case BackendCloudVM:
		o.driver = NewCloudDriver(logger, cfg)
	default:
		return nil, fmt.Errorf("unsupported sandbox backend: %q", cfg.Backend)
	}

	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Execute runs one command and always produces exactly one Result; it
// never returns an error and never panics out. Absolutely-blocked commands
// are refused before any driver is touched.
func (o *Orchestrator) Execute(ctx context.Context, command string, files []File) (res Result) {
	start := time.Now()
	execID := uuid.NewString()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("sandbox driver panicked",
				zap.String("execution_id", execID),
				zap.Any("panic", r))
			res = Result{
				ExecutionID:      execID,
				ExitCode:         -1,
				Stderr:           fmt.Sprintf("internal error: %v", r),
				Backend:          o.config.Backend,
				RequestedBackend: o.config.Backend,
			}
		}
		// Wall-clock elapsed as seen here, overriding any driver timing.
		res.ExecutionTimeMs = time.Since(start).Milliseconds()
	}()

	verdict := o.rules.Classify(command)
	if verdict.AbsolutelyBlocked {
		o.logger.Warn("command refused by classifier",
			zap.String("execution_id", execID),
			zap.String("reason", verdict.Reason))
		return Result{
			ExecutionID:      execID,
			ExitCode:         -1,
			Stderr:           verdict.Reason,
			Backend:          o.config.Backend,
			RequestedBackend: o.config.Backend,
		}
	}

	if verdict.RequiresSandbox && o.config.Backend == BackendRestrictedProcess {
		o.logger.Warn("risky command on weakest isolation tier",
			zap.String("execution_id", execID),
			zap.String("reason", verdict.Reason))
	}

	o.logger.Info("dispatching command",
		zap.String("execution_id", execID),
		zap.String("backend", string(o.config.Backend)),
		zap.Int("files", len(files)),
		zap.Bool("requires_sandbox", verdict.RequiresSandbox))

	res = o.driver.Run(ctx, execID, command, files)
	res.RequestedBackend = o.config.Backend
	return res
}

// IsAvailable probes backend readiness without executing a command.
func (o *Orchestrator) IsAvailable(ctx context.Context) bool {
	return o.driver.Available(ctx)
}

// Classify exposes the pre-check so callers can reject a command with a
// user-facing reason before attempting execution.
func (o *Orchestrator) Classify(command string) classifier.Verdict {
	return o.rules.Classify(command)
}

// Backend returns the configured backend.
func (o *Orchestrator) Backend() Backend {
	return o.config.Backend
}
