package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeCloudAPI scripts the provider lifecycle and records what was called.
type fakeCloudAPI struct {
	createErr error
	writeErr  error
	execErr   error
	execOut   CloudExecResult

	created     int
	deleted     []string
	writtenPath []string
	execCommand string
	execTimeout time.Duration
}

func (f *fakeCloudAPI) CreateSession(context.Context, string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	return fmt.Sprintf("session-%d", f.created), nil
}

func (f *fakeCloudAPI) WriteFile(_ context.Context, _, filePath, _ string) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writtenPath = append(f.writtenPath, filePath)
	return nil
}

func (f *fakeCloudAPI) Exec(_ context.Context, _, command string, timeout time.Duration) (CloudExecResult, error) {
	if f.execErr != nil {
		return CloudExecResult{}, f.execErr
	}
	f.execCommand = command
	f.execTimeout = timeout
	return f.execOut, nil
}

func (f *fakeCloudAPI) DeleteSession(_ context.Context, sessionID string) error {
	f.deleted = append(f.deleted, sessionID)
	return nil
}

// fallbackSpy stands in for the restricted-process driver.
type fallbackSpy struct {
	calls int
}

func (s *fallbackSpy) Run(_ context.Context, execID, _ string, _ []File) Result {
	s.calls++
	return Result{
		ExecutionID: execID,
		Success:     true,
		Stdout:      "fallback ran",
		Backend:     BackendRestrictedProcess,
	}
}

func (*fallbackSpy) Available(context.Context) bool { return true }
func (*fallbackSpy) Backend() Backend               { return BackendRestrictedProcess }

func newTestCloudDriver(t *testing.T, api CloudAPI, fb Driver) *CloudDriver {
	t.Helper()
	cfg := &Config{Backend: BackendCloudVM, CloudTemplate: "base"}
	return NewCloudDriver(zaptest.NewLogger(t), cfg,
		WithCloudAPI(api), WithCloudFallback(fb))
}

func TestCloudDriverSuccess(t *testing.T) {
	api := &fakeCloudAPI{execOut: CloudExecResult{Stdout: "hi", ExitCode: 0}}
	fb := &fallbackSpy{}
	d := newTestCloudDriver(t, api, fb)

	res := d.Run(context.Background(), "cloud-1", "echo hi", []File{
		{Path: "a/b.txt", Content: "data"},
	})

	assert.True(t, res.Success)
	assert.Equal(t, "hi", res.Stdout)
	assert.Equal(t, BackendCloudVM, res.Backend)
	assert.False(t, res.Degraded)
	assert.Equal(t, "echo hi", api.execCommand)
	assert.Equal(t, 30*time.Second, api.execTimeout)
	assert.Equal(t, []string{"/sandbox/a/b.txt"}, api.writtenPath)
	assert.Equal(t, []string{"session-1"}, api.deleted)
	assert.Zero(t, fb.calls)
}

func TestCloudDriverTeardownAfterExecFailure(t *testing.T) {
	api := &fakeCloudAPI{execErr: fmt.Errorf("vm crashed")}
	fb := &fallbackSpy{}
	d := newTestCloudDriver(t, api, fb)

	res := d.Run(context.Background(), "cloud-2", "true", nil)

	// The session must die even though exec failed, and the caller still
	// gets a usable result via the fallback.
	assert.Equal(t, []string{"session-1"}, api.deleted)
	assert.Equal(t, 1, fb.calls)
	assert.True(t, res.Degraded)
	assert.Equal(t, BackendRestrictedProcess, res.Backend)
}

func TestCloudDriverFallback(t *testing.T) {
	t.Run("ProvisioningFails", func(t *testing.T) {
		api := &fakeCloudAPI{createErr: fmt.Errorf("quota exceeded")}
		fb := &fallbackSpy{}
		d := newTestCloudDriver(t, api, fb)

		res := d.Run(context.Background(), "cloud-3", "true", nil)

		assert.True(t, res.Degraded)
		assert.Equal(t, BackendRestrictedProcess, res.Backend)
		assert.Empty(t, api.deleted, "no session to tear down")
	})

	t.Run("FileWriteFails", func(t *testing.T) {
		api := &fakeCloudAPI{writeErr: fmt.Errorf("disk full")}
		fb := &fallbackSpy{}
		d := newTestCloudDriver(t, api, fb)

		res := d.Run(context.Background(), "cloud-4", "true", []File{{Path: "x", Content: "y"}})

		assert.True(t, res.Degraded)
		assert.Equal(t, []string{"session-1"}, api.deleted)
	})

	t.Run("NotConfigured", func(t *testing.T) {
		fb := &fallbackSpy{}
		d := NewCloudDriver(zaptest.NewLogger(t), &Config{Backend: BackendCloudVM},
			WithCloudFallback(fb))

		assert.False(t, d.Available(context.Background()))

		res := d.Run(context.Background(), "cloud-5", "true", nil)
		assert.True(t, res.Degraded)
		assert.Equal(t, 1, fb.calls)
	})
}

func TestCloudDriverCapsProviderOutput(t *testing.T) {
	api := &fakeCloudAPI{execOut: CloudExecResult{
		Stdout: strings.Repeat("a", 2*MaxStdoutBytes),
	}}
	d := newTestCloudDriver(t, api, &fallbackSpy{})

	res := d.Run(context.Background(), "cloud-6", "yes", nil)

	assert.True(t, strings.HasSuffix(res.Stdout, TruncationMarker))
	assert.LessOrEqual(t, len(res.Stdout), MaxStdoutBytes+len(TruncationMarker))
}

func TestCloudDriverRejectsTraversalFile(t *testing.T) {
	api := &fakeCloudAPI{}
	fb := &fallbackSpy{}
	d := newTestCloudDriver(t, api, fb)

	d.Run(context.Background(), "cloud-7", "true", []File{{Path: "../etc/passwd", Content: "x"}})

	assert.Empty(t, api.writtenPath, "traversal path must never reach the provider")
	assert.Equal(t, []string{"session-1"}, api.deleted)
}

func TestCloudClient(t *testing.T) {
	type request struct {
		method string
		path   string
		apiKey string
		body   map[string]any
	}
	var requests []request

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := request{method: r.Method, path: r.URL.Path, apiKey: r.Header.Get("X-API-Key")}
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&req.body)
		}
		requests = append(requests, req)

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			json.NewEncoder(w).Encode(map[string]string{"session_id": "vm-42"})
		case r.Method == http.MethodPost && r.URL.Path == "/sessions/vm-42/exec":
			json.NewEncoder(w).Encode(map[string]any{
				"stdout": "out", "stderr": "err", "exit_code": 3, "timed_out": true,
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/sessions/vm-42":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, "session not found")
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := newCloudClient(srv.URL+"/", "secret-key")
	ctx := context.Background()

	sessionID, err := c.CreateSession(ctx, "base")
	require.NoError(t, err)
	assert.Equal(t, "vm-42", sessionID)

	require.NoError(t, c.WriteFile(ctx, sessionID, "/sandbox/a.txt", "data"))

	out, err := c.Exec(ctx, sessionID, "false", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, CloudExecResult{Stdout: "out", Stderr: "err", ExitCode: 3, TimedOut: true}, out)

	// A session that is already gone is treated as deleted.
	require.NoError(t, c.DeleteSession(ctx, sessionID))

	require.Len(t, requests, 4)
	assert.Equal(t, "secret-key", requests[0].apiKey)
	assert.Equal(t, map[string]any{"template": "base"}, requests[0].body)
	assert.Equal(t, "/sessions/vm-42/files", requests[1].path)
	assert.Equal(t, map[string]any{"path": "/sandbox/a.txt", "content": "data"}, requests[1].body)
	assert.Equal(t, map[string]any{"command": "false", "timeout_ms": float64(5000)}, requests[2].body)
}

func TestCloudClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "backend exploded")
	}))
	defer srv.Close()

	c := newCloudClient(srv.URL, "k")

	_, err := c.CreateSession(context.Background(), "base")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "backend exploded")
}

func TestCloudClientEmptySessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "{}")
	}))
	defer srv.Close()

	c := newCloudClient(srv.URL, "k")

	_, err := c.CreateSession(context.Background(), "base")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty session id")
}
