package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Sandbox: SandboxConfig{
			Backend:         "container",
			TimeoutMs:       30000,
			MemoryLimitMB:   512,
			CPULimit:        1.0,
			PidsLimit:       128,
			ContainerEngine: "docker",
			ContainerImage:  "alpine:latest",
			WorkDir:         "/sandbox",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		err := validConfig().validate()
		require.NoError(t, err)
	})

	t.Run("AllBackendsAccepted", func(t *testing.T) {
		for _, backend := range []string{"restricted_process", "container", "cloud_vm"} {
			cfg := validConfig()
			cfg.Sandbox.Backend = backend
			assert.NoError(t, cfg.validate(), backend)
		}
	})

	t.Run("InvalidServerTransport", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "websocket"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server.transport")
	})

	t.Run("InvalidBackend", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = "chroot"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported sandbox.backend")
	})

	t.Run("InvalidTimeout", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.TimeoutMs = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.timeout_ms")
	})

	t.Run("InvalidMemoryLimit", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.MemoryLimitMB = -1

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.memory_limit_mb")
	})

	t.Run("InvalidCPULimit", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.CPULimit = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.cpu_limit")
	})

	t.Run("InvalidContainerEngine", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.ContainerEngine = "runc"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.container_engine")
	})

	t.Run("RelativeWorkDir", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.WorkDir = "sandbox"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.work_dir")
	})
}

func TestGetTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Sandbox.TimeoutMs = 1500
	assert.Equal(t, "1.5s", cfg.GetTimeout().String())
}
