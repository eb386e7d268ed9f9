// Package handoff performs the pipeline's terminal action: replacing the
// orchestrator's process image with the user-supplied foreground command.
// The replacement keeps the pid, so the command inherits the container's
// process-1 signal semantics with no intermediary.
package handoff

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/interceptlabs/sandboxinit/internal/log"
	"github.com/interceptlabs/sandboxinit/internal/trust"
)

// ErrNoCommand is returned when no foreground command was supplied.
var ErrNoCommand = errors.New("no command to exec")

// execFunc is syscall.Exec in production. Tests override it to capture the
// would-be replacement instead of losing the test process.
var execFunc = syscall.Exec

// Exec changes into the workspace, materializes the accumulated environment,
// and replaces the current process with argv. On success it never returns;
// any return means the replacement did not happen.
func Exec(workspace string, pctx *trust.ProcessContext, argv []string) error {
	if len(argv) == 0 {
		return ErrNoCommand
	}

	// A missing workspace is not worth dying over this late: run from
	// wherever we are.
	if err := os.Chdir(workspace); err != nil {
		log.Warn("cannot change to workspace, continuing from current directory",
			"workspace", workspace, "err", err.Error())
	}

	pctx.Apply(os.Setenv)

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("resolving command %q: %w", argv[0], err)
	}

	log.Info("handing off", "command", argv[0])
	return execFunc(path, argv, os.Environ())
}
