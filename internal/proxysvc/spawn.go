package proxysvc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/interceptlabs/sandboxinit/internal/config"
	"github.com/interceptlabs/sandboxinit/internal/log"
)

// spawnProxy starts the proxy binary detached in its own session so it
// survives the orchestrator's exec. Stdin is /dev/null; stdout and stderr go
// to the proxy log file so readiness timeouts have something to dump.
func spawnProxy(cfg *config.Config) (*os.Process, error) {
	if err := os.MkdirAll(cfg.RuntimeDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating runtime dir: %w", err)
	}

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, fmt.Errorf("opening /dev/null: %w", err)
	}
	defer devNull.Close()

	logFile, err := os.OpenFile(cfg.ProxyLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logFile = devNull // non-fatal; discard output rather than passing nil fds
	}

	args := []string{
		cfg.ProxyBin,
		"--listen", fmt.Sprintf("127.0.0.1:%d", cfg.ProxyPort),
		"--allow-guests",
		"--no-logging",
		"--import-ca-cert", cfg.CABundle,
	}

	attr := &os.ProcAttr{
		Dir: "/",
		Env: os.Environ(),
		Files: []*os.File{
			devNull,
			logFile, // stdout
			logFile, // stderr
		},
		Sys: &syscall.SysProcAttr{
			Setsid: true,
		},
	}

	proc, err := os.StartProcess(cfg.ProxyBin, args, attr)
	if logFile != devNull {
		logFile.Close() // child inherited the fd; parent can close its copy
	}
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.ProxyBin, err)
	}

	writePidFile(filepath.Join(cfg.RuntimeDir, "caido.pid"), proc.Pid)
	return proc, nil
}

// writePidFile records the child pid for container debugging tools. Best
// effort; owner-only since the runtime dir also carries token-bearing files.
func writePidFile(path string, pid int) {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		log.Debug("writing pidfile failed", "path", path, "err", err.Error())
	}
}
