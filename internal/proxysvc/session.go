// Package proxysvc drives the intercepting proxy's lifecycle: spawn the
// binary, wait for its API, authenticate as a guest, and provision an
// ephemeral sandbox project. The session advances through a linear state
// machine; any step can leave it in a degraded but usable state.
package proxysvc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/interceptlabs/sandboxinit/internal/config"
	"github.com/interceptlabs/sandboxinit/internal/log"
	"github.com/interceptlabs/sandboxinit/internal/poll"
)

// State is the session's position in the startup state machine.
type State string

const (
	StateNotStarted      State = "not_started"
	StateSkipped         State = "skipped"
	StateSpawned         State = "spawned"
	StateAPIReady        State = "api_ready"
	StateAuthenticated   State = "authenticated"
	StateProjectCreated  State = "project_created"
	StateProjectSelected State = "project_selected"
	StateAborted         State = "aborted"
)

// ErrNotReady indicates the proxy never answered its health probe within
// the attempt budget. Fatal only in strict mode.
var ErrNotReady = errors.New("proxy api never became ready")

// ErrAuthFailed indicates guest login exhausted its attempts. Fatal only in
// strict mode.
var ErrAuthFailed = errors.New("guest login failed")

// Session is the mutable record of one proxy lifetime. Fields populate
// incrementally as the state machine advances; it is written by a single
// goroutine and never shared.
type Session struct {
	State     State
	LogPath   string
	ProjectID string

	token string
	proc  *os.Process
}

// Token returns the access token, empty until authenticated. The token is a
// secret: it is never logged and any file carrying it is written 0600.
func (s *Session) Token() string { return s.token }

// APIReady reports whether the proxy answered its health probe (states at
// or past api_ready).
func (s *Session) APIReady() bool {
	switch s.State {
	case StateAPIReady, StateAuthenticated, StateProjectCreated, StateProjectSelected:
		return true
	}
	return false
}

// Authenticated reports whether a guest token was obtained.
func (s *Session) Authenticated() bool {
	switch s.State {
	case StateAuthenticated, StateProjectCreated, StateProjectSelected:
		return true
	}
	return false
}

// Kill terminates the proxy child. Used by the supervised ownership policy
// on pre-exec error exits; best effort.
func (s *Session) Kill() {
	if s.proc != nil {
		_ = s.proc.Kill()
	}
}

// Options configures Start. Zero values take the production defaults; tests
// substitute the client, spawner, and timing.
type Options struct {
	Config *config.Config

	// Client defaults to NewClient(cfg.ProxyURL()).
	Client ControlPlane
	// Spawn defaults to spawning cfg.ProxyBin detached. Returns the child
	// process handle.
	Spawn func(cfg *config.Config) (*os.Process, error)

	ReadyAttempts int           // default 60
	ReadyInterval time.Duration // default 1s
	LoginAttempts int           // default 5
	LoginInterval time.Duration // default 1s

	// NewProjectName defaults to "sandbox-<uuid>".
	NewProjectName func() string
}

func (o *Options) withDefaults() {
	if o.Client == nil {
		o.Client = NewClient(o.Config.ProxyURL())
	}
	if o.Spawn == nil {
		o.Spawn = spawnProxy
	}
	if o.ReadyAttempts == 0 {
		o.ReadyAttempts = 60
	}
	if o.ReadyInterval == 0 {
		o.ReadyInterval = time.Second
	}
	if o.LoginAttempts == 0 {
		o.LoginAttempts = 5
	}
	if o.LoginInterval == 0 {
		o.LoginInterval = time.Second
	}
	if o.NewProjectName == nil {
		o.NewProjectName = func() string { return "sandbox-" + uuid.NewString() }
	}
}

// Start runs the proxy session state machine to whatever terminal or
// degraded state the environment allows. The returned error is non-nil only
// when the failure is fatal under the configured policy (strict mode); all
// other failures are logged and leave the session degraded.
func Start(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	opts.withDefaults()

	sess := &Session{State: StateNotStarted, LogPath: cfg.ProxyLogPath()}

	if !cfg.ProxyEnabled {
		sess.State = StateSkipped
		log.Skip("proxy binary not on PATH, skipping interception proxy")
		return sess, nil
	}

	proc, err := opts.Spawn(cfg)
	if err != nil {
		sess.State = StateAborted
		if cfg.Strict {
			return sess, fmt.Errorf("spawning proxy: %w", err)
		}
		log.Warn("spawning proxy failed, continuing without interception", "err", err.Error())
		return sess, nil
	}
	sess.proc = proc
	sess.State = StateSpawned
	log.Info("proxy spawned", "pid", proc.Pid, "port", cfg.ProxyPort)

	res := poll.PollContext(ctx, func() bool {
		return opts.Client.Healthy(ctx)
	}, opts.ReadyAttempts, opts.ReadyInterval)
	if !res.OK {
		sess.State = StateAborted
		log.DumpTail("proxy", sess.LogPath, 200)
		if cfg.Strict {
			return sess, fmt.Errorf("%w after %d attempts", ErrNotReady, res.Attempts)
		}
		log.Warn("proxy api never became ready, continuing without interception",
			"attempts", res.Attempts)
		return sess, nil
	}
	sess.State = StateAPIReady
	log.Info("proxy api ready", "attempts", res.Attempts)

	token, ok := loginWithRetry(ctx, opts)
	if !ok {
		if cfg.Strict {
			return sess, fmt.Errorf("%w after %d attempts", ErrAuthFailed, opts.LoginAttempts)
		}
		log.Warn("guest login failed, proxy stays up unauthenticated",
			"attempts", opts.LoginAttempts)
		return sess, nil
	}
	sess.token = token
	opts.Client.SetToken(token)
	sess.State = StateAuthenticated
	log.Info("guest login succeeded")

	// Single attempt: project provisioning is a convenience, not a gate.
	projectID, err := opts.Client.CreateProject(ctx, opts.NewProjectName())
	if err != nil {
		log.Warn("creating sandbox project failed", "err", err.Error())
		return sess, nil
	}
	sess.ProjectID = projectID
	sess.State = StateProjectCreated
	log.Info("sandbox project created", "project", projectID)

	currentID, err := opts.Client.SelectProject(ctx, projectID)
	if err != nil {
		log.Warn("selecting sandbox project failed", "project", projectID, "err", err.Error())
		return sess, nil
	}
	if currentID != projectID {
		// Selection can report success while selecting nothing; trust the
		// returned current id, not the HTTP status.
		log.Warn("project selection mismatch", "requested", projectID, "current", currentID)
		return sess, nil
	}
	sess.State = StateProjectSelected
	log.Info("sandbox project selected", "project", projectID)

	return sess, nil
}

// loginWithRetry issues the guest-login mutation up to LoginAttempts times
// with fixed spacing. Empty and literal-null tokens count as failures.
func loginWithRetry(ctx context.Context, opts Options) (string, bool) {
	for attempt := 1; attempt <= opts.LoginAttempts; attempt++ {
		token, err := opts.Client.LoginAsGuest(ctx)
		if err == nil && token != "" && token != "null" {
			return token, true
		}
		if err != nil {
			log.Debug("guest login attempt failed", "attempt", attempt, "err", err.Error())
		} else {
			log.Debug("guest login returned empty token", "attempt", attempt)
		}
		if attempt == opts.LoginAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(opts.LoginInterval):
		}
	}
	return "", false
}
