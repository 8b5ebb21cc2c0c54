// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and SHELLBOX_* environment variables. It
// covers server transport settings, logging, and the sandbox execution
// surface: backend selection, timeout, resource limits, network toggle,
// container image, cloud credentials, working directory, and extra
// environment variables.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
