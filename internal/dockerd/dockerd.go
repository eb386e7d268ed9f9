// Package dockerd optionally brings up a container-local docker daemon.
// The daemon is a convenience: when it cannot start, container features are
// simply unavailable and the pipeline continues.
package dockerd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/interceptlabs/sandboxinit/internal/config"
	"github.com/interceptlabs/sandboxinit/internal/log"
	"github.com/interceptlabs/sandboxinit/internal/poll"
)

// Supervisor spawns dockerd and waits for it to answer. Zero-value fields
// take production defaults; tests substitute Spawn and Probe.
type Supervisor struct {
	Config *config.Config

	// Spawn starts the daemon and returns its process handle. Defaults to
	// spawning cfg.DockerdBin detached with output to the daemon log.
	Spawn func(cfg *config.Config) (*os.Process, error)
	// Probe reports daemon readiness. Defaults to running `docker version`
	// and checking its exit status: a command probe, not a network one,
	// which also validates the client toolchain the workload will use.
	Probe func(ctx context.Context) bool

	Attempts int           // default 60
	Interval time.Duration // default 1s
}

// Start brings the daemon up. Returns true when the daemon answered within
// the attempt budget; false on skip or timeout. Never returns an error:
// daemon availability is not a startup requirement.
func (s *Supervisor) Start(ctx context.Context) bool {
	cfg := s.Config
	if !cfg.RuntimeEnabled {
		log.Skip("dockerd not on PATH, skipping container runtime")
		return false
	}

	spawn := s.Spawn
	if spawn == nil {
		spawn = spawnDockerd
	}
	probe := s.Probe
	if probe == nil {
		probe = func(ctx context.Context) bool {
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return exec.CommandContext(probeCtx, "docker", "version").Run() == nil
		}
	}
	attempts := s.Attempts
	if attempts == 0 {
		attempts = 60
	}
	interval := s.Interval
	if interval == 0 {
		interval = time.Second
	}

	proc, err := spawn(cfg)
	if err != nil {
		log.Warn("spawning dockerd failed, continuing without container runtime",
			"err", err.Error())
		return false
	}
	log.Info("dockerd spawned", "pid", proc.Pid)

	res := poll.PollContext(ctx, func() bool { return probe(ctx) }, attempts, interval)
	if !res.OK {
		log.DumpTail("dockerd", cfg.DockerdLogPath(), 200)
		log.Warn("dockerd never became ready, continuing without container runtime",
			"attempts", res.Attempts)
		return false
	}

	log.Info("dockerd ready", "attempts", res.Attempts)
	return true
}

// spawnDockerd starts the daemon detached in its own session, stdin from
// /dev/null, output appended to the daemon log file.
func spawnDockerd(cfg *config.Config) (*os.Process, error) {
	if err := os.MkdirAll(cfg.RuntimeDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating runtime dir: %w", err)
	}

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, fmt.Errorf("opening /dev/null: %w", err)
	}
	defer devNull.Close()

	logFile, err := os.OpenFile(cfg.DockerdLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logFile = devNull
	}

	args := []string{
		cfg.DockerdBin,
		"--data-root", filepath.Join(cfg.RuntimeDir, "data"),
		"--pidfile", filepath.Join(cfg.RuntimeDir, "dockerd.pid"),
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

	proc, err := os.StartProcess(cfg.DockerdBin, args, attr)
	if logFile != devNull {
		logFile.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.DockerdBin, err)
	}
	return proc, nil
}
