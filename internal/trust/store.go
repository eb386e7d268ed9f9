package trust

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/interceptlabs/sandboxinit/internal/log"
)

// CertLabel is the fixed human-readable nickname the proxy CA is filed
// under in the shared NSS certificate database.
const CertLabel = "Caido Sandbox CA"

// CommandRunner executes an external command and returns its combined
// output. Implemented by ExecRunner; tests substitute fakes.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Store imports certificates into the user's shared NSS database
// (sql:$HOME/.pki/nssdb). Zero-value fields take production defaults.
type Store struct {
	Runner   CommandRunner
	LookPath func(string) (string, error)
	HomeDir  string
}

func (s *Store) runner() CommandRunner {
	if s.Runner == nil {
		return ExecRunner{}
	}
	return s.Runner
}

func (s *Store) lookPath(name string) (string, error) {
	if s.LookPath == nil {
		return exec.LookPath(name)
	}
	return s.LookPath(name)
}

func (s *Store) home() (string, error) {
	if s.HomeDir != "" {
		return s.HomeDir, nil
	}
	return os.UserHomeDir()
}

// Import files the CA certificate under CertLabel, creating the database
// when it does not exist. The import is a convenience for browser-style
// HTTPS verification: every failure, including duplicate imports, is
// swallowed. Returns whether the certificate is believed to be in the
// store.
func (s *Store) Import(ctx context.Context, certPath string) bool {
	if _, err := os.Stat(certPath); err != nil {
		log.Debug("proxy CA file absent, skipping trust store import", "path", certPath)
		return false
	}
	if _, err := s.lookPath("certutil"); err != nil {
		log.Debug("certutil not on PATH, skipping trust store import")
		return false
	}

	home, err := s.home()
	if err != nil {
		log.Debug("cannot resolve home dir for trust store", "err", err.Error())
		return false
	}
	dbDir := filepath.Join(home, ".pki", "nssdb")
	dbArg := "sql:" + dbDir

	if _, err := os.Stat(filepath.Join(dbDir, "cert9.db")); err != nil {
		if err := os.MkdirAll(dbDir, 0o700); err != nil {
			log.Warn("creating nssdb dir failed", "err", err.Error())
			return false
		}
		if out, err := s.runner().Run(ctx, "certutil", "-N", "-d", dbArg, "--empty-password"); err != nil {
			log.Warn("creating certificate database failed", "err", err.Error(),
				"output", strings.TrimSpace(string(out)))
			return false
		}
	}

	out, err := s.runner().Run(ctx, "certutil", "-A",
		"-d", dbArg,
		"-t", "C,,",
		"-n", CertLabel,
		"-i", certPath,
	)
	if err != nil {
		// Re-importing the same nickname is success-equivalent.
		if strings.Contains(string(out), "SEC_ERROR_ADDED_TO_DATABASE") ||
			strings.Contains(string(out), "already exists") {
			log.Debug("certificate already in trust store", "label", CertLabel)
			return true
		}
		log.Warn("trust store import failed", "err", err.Error(),
			"output", strings.TrimSpace(string(out)))
		return false
	}

	log.Info("proxy CA imported into trust store", "label", CertLabel)
	return true
}
