// Package config resolves the orchestrator's configuration from the process
// environment, an optional YAML override file, and CLI flags. The result is
// an immutable snapshot read by every later stage.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrConfig indicates a mandatory setting is missing or malformed. It is the
// only error class that aborts the pipeline unconditionally.
var ErrConfig = errors.New("config error")

// Ownership controls what happens to the spawned proxy child when the
// orchestrator exits on an error path before exec.
type Ownership string

const (
	// OwnershipDaemonized leaves the proxy running for the container's
	// lifetime regardless of how the orchestrator exits.
	OwnershipDaemonized Ownership = "daemonized"
	// OwnershipSupervised kills the proxy child on pre-exec error exits.
	// Has no effect on the success path: exec replaces the process and the
	// proxy keeps running either way.
	OwnershipSupervised Ownership = "supervised"
)

const (
	defaultProxyPort    = 9000
	defaultProxyBin     = "caido-cli"
	defaultCABundle     = "/usr/local/share/ca-certificates/caido.crt"
	defaultSystemBundle = "/etc/ssl/certs/ca-certificates.crt"
	defaultWorkspace    = "/workspace"
	defaultRuntimeDir   = "/var/run/sandbox-docker"
	defaultConfigFile   = "/etc/sandbox-init.yaml"
)

// Config is the resolved orchestrator configuration. Read-only after Load.
type Config struct {
	ProxyPort    int       // proxy listen port on 127.0.0.1
	ProxyBin     string    // resolved path to the proxy binary; empty if absent
	CABundle     string    // proxy CA certificate (PEM)
	SystemBundle string    // OS certificate bundle
	Workspace    string    // working directory handed to the foreground command
	RuntimeDir   string    // scratch dir for child logs, pidfiles, dockerd state
	Strict       bool      // missing mandatory settings and proxy timeouts are fatal
	Ownership    Ownership // proxy child policy on pre-exec exits

	ProxyEnabled   bool   // proxy binary present and port resolved
	RuntimeEnabled bool   // dockerd present on PATH
	DockerdBin     string // resolved path to dockerd; empty if absent
}

// fileConfig mirrors the optional /etc/sandbox-init.yaml override file.
type fileConfig struct {
	Proxy struct {
		Port     int    `yaml:"port"`
		Bin      string `yaml:"bin"`
		CABundle string `yaml:"ca_bundle"`
	} `yaml:"proxy"`
	SystemBundle string `yaml:"system_bundle"`
	Workspace    string `yaml:"workspace"`
	RuntimeDir   string `yaml:"runtime_dir"`
	Strict       *bool  `yaml:"strict"`
	Ownership    string `yaml:"ownership"`
}

// LoadOptions parameterizes Load. Zero values mean "use the real process
// environment and defaults"; tests substitute Getenv and LookPath.
type LoadOptions struct {
	// Strict, when non-nil, overrides file and env (set from the CLI flag).
	Strict *bool
	// Ownership, when non-empty, overrides file and env.
	Ownership string
	// File is the YAML override path (default /etc/sandbox-init.yaml).
	File string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// LookPath defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// Load resolves the configuration. Precedence: defaults < file < env < flags.
// In strict mode the proxy port must be set explicitly (env or file); in
// permissive mode it defaults and the proxy stage soft-disables when the
// proxy binary is absent.
func Load(opts LoadOptions) (*Config, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	cfg := &Config{
		ProxyPort:    defaultProxyPort,
		CABundle:     defaultCABundle,
		SystemBundle: defaultSystemBundle,
		Workspace:    defaultWorkspace,
		RuntimeDir:   defaultRuntimeDir,
		Ownership:    OwnershipDaemonized,
	}

	portSet := false
	proxyBin := defaultProxyBin

	file := opts.File
	if file == "" {
		file = defaultConfigFile
	}
	if data, err := os.ReadFile(file); err == nil {
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, file, err)
		}
		if fc.Proxy.Port != 0 {
			cfg.ProxyPort = fc.Proxy.Port
			portSet = true
		}
		if fc.Proxy.Bin != "" {
			proxyBin = fc.Proxy.Bin
		}
		if fc.Proxy.CABundle != "" {
			cfg.CABundle = fc.Proxy.CABundle
		}
		if fc.SystemBundle != "" {
			cfg.SystemBundle = fc.SystemBundle
		}
		if fc.Workspace != "" {
			cfg.Workspace = fc.Workspace
		}
		if fc.RuntimeDir != "" {
			cfg.RuntimeDir = fc.RuntimeDir
		}
		if fc.Strict != nil {
			cfg.Strict = *fc.Strict
		}
		if fc.Ownership != "" {
			own, err := ParseOwnership(fc.Ownership)
			if err != nil {
				return nil, err
			}
			cfg.Ownership = own
		}
	}

	if v := getenv("CAIDO_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("%w: invalid CAIDO_PORT %q", ErrConfig, v)
		}
		cfg.ProxyPort = port
		portSet = true
	}
	if v := getenv("CAIDO_BIN"); v != "" {
		proxyBin = v
	}
	if v := getenv("CAIDO_CA_BUNDLE"); v != "" {
		cfg.CABundle = v
	}
	if v := getenv("SSL_CERT_FILE"); v != "" {
		cfg.SystemBundle = v
	}
	if v := getenv("SANDBOX_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := getenv("DOCKER_RUNTIME_DIR"); v != "" {
		cfg.RuntimeDir = v
	}
	if v := getenv("SANDBOX_STRICT"); v != "" {
		cfg.Strict = v == "1" || v == "true"
	}
	if v := getenv("SANDBOX_OWNERSHIP"); v != "" {
		own, err := ParseOwnership(v)
		if err != nil {
			return nil, err
		}
		cfg.Ownership = own
	}

	if opts.Strict != nil {
		cfg.Strict = *opts.Strict
	}
	if opts.Ownership != "" {
		own, err := ParseOwnership(opts.Ownership)
		if err != nil {
			return nil, err
		}
		cfg.Ownership = own
	}

	if cfg.Strict && !portSet {
		return nil, fmt.Errorf("%w: CAIDO_PORT must be set in strict mode", ErrConfig)
	}

	if path, err := lookPath(proxyBin); err == nil {
		cfg.ProxyBin = path
	}
	cfg.ProxyEnabled = cfg.ProxyBin != ""

	if path, err := lookPath("dockerd"); err == nil {
		cfg.DockerdBin = path
	}
	cfg.RuntimeEnabled = cfg.DockerdBin != ""

	return cfg, nil
}

// ParseOwnership validates an ownership policy string.
func ParseOwnership(s string) (Ownership, error) {
	switch Ownership(s) {
	case OwnershipDaemonized, OwnershipSupervised:
		return Ownership(s), nil
	default:
		return "", fmt.Errorf("%w: unknown ownership policy %q (want %q or %q)",
			ErrConfig, s, OwnershipDaemonized, OwnershipSupervised)
	}
}

// ProxyURL returns the local proxy URL derived from the resolved port.
func (c *Config) ProxyURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.ProxyPort)
}

// ProxyLogPath is where the spawned proxy's stdout/stderr land.
func (c *Config) ProxyLogPath() string {
	return filepath.Join(c.RuntimeDir, "caido.log")
}

// DockerdLogPath is where the spawned docker daemon's output lands.
func (c *Config) DockerdLogPath() string {
	return filepath.Join(c.RuntimeDir, "dockerd.log")
}

// ExportResolved writes resolved values into the process environment so
// children spawned by later stages inherit them. setenv is injectable for
// tests; callers pass os.Setenv.
func (c *Config) ExportResolved(setenv func(key, value string) error) {
	pairs := [][2]string{
		{"CAIDO_PORT", strconv.Itoa(c.ProxyPort)},
		{"SANDBOX_WORKSPACE", c.Workspace},
		{"SSL_CERT_FILE", c.SystemBundle},
	}
	for _, p := range pairs {
		// Best effort: setenv only fails on invalid keys, which these are not.
		_ = setenv(p[0], p[1])
	}
}
