package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

// cloudTeardownTimeout bounds session deletion, which runs on a background
// context so it completes even when the execution context is already gone.
const cloudTeardownTimeout = 10 * time.Second

// CloudExecResult is what the provider reports for one command run.
type CloudExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// CloudAPI is the session lifecycle of the micro-VM provider. It exists as
// an interface so driver tests can substitute the provider.
type CloudAPI interface {
	CreateSession(ctx context.Context, template string) (sessionID string, err error)
	WriteFile(ctx context.Context, sessionID, filePath, content string) error
	Exec(ctx context.Context, sessionID, command string, timeout time.Duration) (CloudExecResult, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// CloudDriver delegates execution to an external micro-VM provisioning
// API. It never fails outright: any provisioning or execution error makes
// it transparently re-execute through the restricted-process driver, and
// the result's Backend and Degraded fields surface the substitution.
type CloudDriver struct {
	logger   *zap.Logger
	config   *Config
	api      CloudAPI
	fallback Driver
}

// CloudDriverOption defines a functional option for CloudDriver.
type CloudDriverOption func(*CloudDriver)

// WithCloudAPI sets the provider client for CloudDriver.
func WithCloudAPI(api CloudAPI) CloudDriverOption {
	return func(d *CloudDriver) {
		d.api = api
	}
}

// WithCloudFallback sets the driver used when the provider is unusable.
func WithCloudFallback(fallback Driver) CloudDriverOption {
	return func(d *CloudDriver) {
		d.fallback = fallback
	}
}

// NewCloudDriver creates a cloud micro-VM driver. Without a configured API
// URL and key every execution goes straight to the fallback.
func NewCloudDriver(logger *zap.Logger, config *Config, opts ...CloudDriverOption) *CloudDriver {
	cfg := config.withDefaults()
	d := &CloudDriver{
		logger:   logger,
		config:   cfg,
		fallback: NewProcessDriver(logger, cfg),
	}
	if cfg.CloudAPIURL != "" && cfg.CloudAPIKey != "" {
		d.api = newCloudClient(cfg.CloudAPIURL, cfg.CloudAPIKey)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (*CloudDriver) Backend() Backend {
	return BackendCloudVM
}

// Available reports whether a credential is configured. No session is
// provisioned for the probe.
func (d *CloudDriver) Available(context.Context) bool {
	return d.api != nil
}

func (d *CloudDriver) Run(ctx context.Context, execID, command string, files []File) Result {
	res, err := d.runCloud(ctx, execID, command, files)
	if err == nil {
		return res
	}

	d.logger.Warn("cloud sandbox unavailable, falling back to restricted process",
		zap.String("execution_id", execID),
		zap.Error(err))

	fb := d.fallback.Run(ctx, execID, command, files)
	fb.Degraded = true
	return fb
}

func (d *CloudDriver) runCloud(ctx context.Context, execID, command string, files []File) (Result, error) {
	if d.api == nil {
		return Result{}, fmt.Errorf("cloud API not configured")
	}

	sessionID, err := d.api.CreateSession(ctx, d.config.CloudTemplate)
	if err != nil {
		return Result{}, fmt.Errorf("failed to provision session: %w", err)
	}

	// The session is destroyed no matter how execution went. A background
	// context keeps teardown working after a caller timeout.
	defer func() {
		delCtx, cancel := context.WithTimeout(context.Background(), cloudTeardownTimeout)
		defer cancel()
		if delErr := d.api.DeleteSession(delCtx, sessionID); delErr != nil {
			d.logger.Error("failed to delete cloud session",
				zap.String("session_id", sessionID),
				zap.Error(delErr))
		}
	}()

	for _, f := range files {
		dst, pathErr := sandboxPath(d.config.WorkDir, f.Path)
		if pathErr != nil {
			return Result{}, pathErr
		}
		if writeErr := d.api.WriteFile(ctx, sessionID, dst, f.Content); writeErr != nil {
			return Result{}, fmt.Errorf("failed to write %s: %w", f.Path, writeErr)
		}
	}

	out, err := d.api.Exec(ctx, sessionID, command, d.config.timeout())
	if err != nil {
		return Result{}, fmt.Errorf("failed to execute command: %w", err)
	}

	return Result{
		ExecutionID: execID,
		Success:     out.ExitCode == 0 && !out.TimedOut,
		Stdout:      capString(out.Stdout, MaxStdoutBytes),
		Stderr:      capString(out.Stderr, MaxStderrBytes),
		ExitCode:    out.ExitCode,
		TimedOut:    out.TimedOut,
		Backend:     BackendCloudVM,
	}, nil
}

// cloudClient implements CloudAPI over the provider's REST session API.
type cloudClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newCloudClient(baseURL, apiKey string) *cloudClient {
	return &cloudClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{},
	}
}

func (c *cloudClient) CreateSession(ctx context.Context, template string) (string, error) {
	var created struct {
		SessionID string `json:"session_id"`
	}
	err := c.do(ctx, http.MethodPost, "/sessions", map[string]any{
		"template": template,
	}, &created)
	if err != nil {
		return "", err
	}
	if created.SessionID == "" {
		return "", fmt.Errorf("provider returned empty session id")
	}
	return created.SessionID, nil
}

func (c *cloudClient) WriteFile(ctx context.Context, sessionID, filePath, content string) error {
	return c.do(ctx, http.MethodPut, "/sessions/"+sessionID+"/files", map[string]any{
		"path":    filePath,
		"content": content,
	}, nil)
}

func (c *cloudClient) Exec(ctx context.Context, sessionID, command string, timeout time.Duration) (CloudExecResult, error) {
	var executed struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
		TimedOut bool   `json:"timed_out"`
	}
	err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/exec", map[string]any{
		"command":    command,
		"timeout_ms": timeout.Milliseconds(),
	}, &executed)
	if err != nil {
		return CloudExecResult{}, err
	}
	return CloudExecResult{
		Stdout:   executed.Stdout,
		Stderr:   executed.Stderr,
		ExitCode: executed.ExitCode,
		TimedOut: executed.TimedOut,
	}, nil
}

// DeleteSession is idempotent: a session that is already gone is success.
func (c *cloudClient) DeleteSession(ctx context.Context, sessionID string) error {
	err := c.do(ctx, http.MethodDelete, "/sessions/"+sessionID, nil, nil)
	if err != nil && strings.Contains(err.Error(), "status 404") {
		return nil
	}
	return err
}

func (c *cloudClient) do(ctx context.Context, method, apiPath string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path.Clean(apiPath), reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
