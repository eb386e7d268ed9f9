package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interceptlabs/sandboxinit/internal/config"
	"github.com/interceptlabs/sandboxinit/internal/handoff"
	"github.com/interceptlabs/sandboxinit/internal/log"
	"github.com/interceptlabs/sandboxinit/internal/proxysvc"
	"github.com/interceptlabs/sandboxinit/internal/trust"
)

func init() {
	log.SetOutput(io.Discard)
}

// fakeControlPlane scripts the proxy control plane for end-to-end pipeline
// runs through the real proxysvc state machine.
type fakeControlPlane struct {
	healthy bool
	token   string
	project string
	calls   int
}

func (f *fakeControlPlane) Healthy(context.Context) bool { f.calls++; return f.healthy }
func (f *fakeControlPlane) LoginAsGuest(context.Context) (string, error) {
	f.calls++
	return f.token, nil
}
func (f *fakeControlPlane) CreateProject(context.Context, string) (string, error) {
	f.calls++
	return f.project, nil
}
func (f *fakeControlPlane) SelectProject(_ context.Context, id string) (string, error) {
	f.calls++
	return id, nil
}
func (f *fakeControlPlane) SetToken(string) {}

type capturedExec struct {
	called    bool
	workspace string
	pctx      *trust.ProcessContext
	argv      []string
}

func (c *capturedExec) exec(workspace string, pctx *trust.ProcessContext, argv []string) error {
	c.called = true
	c.workspace = workspace
	c.pctx = pctx
	c.argv = argv
	return nil
}

func noCertutil(string) (string, error) { return "", os.ErrNotExist }

func testRunner(t *testing.T, cfg *config.Config, cp proxysvc.ControlPlane, cap *capturedExec) *Runner {
	return &Runner{
		Config: cfg,
		Writer: trust.NopWriter{},
		Store:  &trust.Store{LookPath: noCertutil, HomeDir: t.TempDir()},
		StartProxy: func(ctx context.Context, cfg *config.Config) (*proxysvc.Session, error) {
			return proxysvc.Start(ctx, proxysvc.Options{
				Config: cfg,
				Client: cp,
				Spawn: func(*config.Config) (*os.Process, error) {
					return os.FindProcess(os.Getpid())
				},
				ReadyAttempts: 2,
				ReadyInterval: time.Millisecond,
				LoginInterval: time.Millisecond,
			})
		},
		StartRuntime: func(ctx context.Context, cfg *config.Config) bool { return false },
		Exec:         cap.exec,
		Setenv:       func(string, string) error { return nil },
		BundlePath:   filepath.Join(t.TempDir(), "ca-bundle.pem"),
	}
}

func outcomes(r *Runner) map[string]StageOutcome {
	m := make(map[string]StageOutcome)
	for _, res := range r.Results {
		m[res.Stage] = res.Outcome
	}
	return m
}

func TestRunWithoutProxyOrRuntimeReachesHandoff(t *testing.T) {
	cfg := &config.Config{
		ProxyPort:  9000,
		Workspace:  t.TempDir(),
		RuntimeDir: t.TempDir(),
	}
	cp := &fakeControlPlane{}
	var cap capturedExec
	r := testRunner(t, cfg, cp, &cap)

	require.NoError(t, r.Run(context.Background(), []string{"echo", "hi"}))

	assert.True(t, cap.called, "handoff must still happen in a bare environment")
	assert.Equal(t, []string{"echo", "hi"}, cap.argv)
	assert.Zero(t, cp.calls, "no network calls when the proxy binary is absent")
	assert.Zero(t, cap.pctx.Len(), "no proxy environment exported")

	got := outcomes(r)
	assert.Equal(t, OutcomeSkipped, got["proxy"])
	assert.Equal(t, OutcomeSkipped, got["runtime"])
	assert.Equal(t, OutcomeSuccess, got["handoff"])
}

func TestRunFullProxyExportsEnvironment(t *testing.T) {
	dir := t.TempDir()
	caPath := filepath.Join(dir, "caido.crt")
	sysPath := filepath.Join(dir, "system.crt")
	require.NoError(t, os.WriteFile(caPath, []byte("PROXYCA\n"), 0o644))
	require.NoError(t, os.WriteFile(sysPath, []byte("SYSTEM\n"), 0o644))

	cfg := &config.Config{
		ProxyPort:    9000,
		ProxyBin:     "/usr/bin/caido-cli",
		ProxyEnabled: true,
		CABundle:     caPath,
		SystemBundle: sysPath,
		Workspace:    t.TempDir(),
		RuntimeDir:   t.TempDir(),
	}
	cp := &fakeControlPlane{healthy: true, token: "tok-123", project: "proj-1"}
	var cap capturedExec
	r := testRunner(t, cfg, cp, &cap)

	require.NoError(t, r.Run(context.Background(), []string{"sleep", "infinity"}))
	require.True(t, cap.called)

	assert.Equal(t, "http://127.0.0.1:9000", cap.pctx.Get("http_proxy"))
	assert.Equal(t, "http://127.0.0.1:9000", cap.pctx.Get("HTTPS_PROXY"))
	assert.Equal(t, "http://127.0.0.1:9000", cap.pctx.Get("ALL_PROXY"))
	assert.Equal(t, "tok-123", cap.pctx.Get("CAIDO_API_TOKEN"))

	bundle := cap.pctx.Get("REQUESTS_CA_BUNDLE")
	require.NotEmpty(t, bundle)
	assert.Equal(t, bundle, cap.pctx.Get("SSL_CERT_FILE"))
	data, err := os.ReadFile(bundle)
	require.NoError(t, err)
	assert.Equal(t, "SYSTEM\nPROXYCA\n", string(data))

	assert.Equal(t, OutcomeSuccess, outcomes(r)["proxy"])
}

func TestRunUnauthenticatedProxyStillExportsProxyURL(t *testing.T) {
	cfg := &config.Config{
		ProxyPort:    9000,
		ProxyBin:     "/usr/bin/caido-cli",
		ProxyEnabled: true,
		Workspace:    t.TempDir(),
		RuntimeDir:   t.TempDir(),
	}
	// Healthy but guest login always returns an empty token.
	cp := &fakeControlPlane{healthy: true, token: ""}
	var cap capturedExec
	r := testRunner(t, cfg, cp, &cap)

	require.NoError(t, r.Run(context.Background(), []string{"true"}))
	require.True(t, cap.called)

	assert.Equal(t, "http://127.0.0.1:9000", cap.pctx.Get("http_proxy"),
		"unauthenticated proxy still intercepts traffic")
	assert.Empty(t, cap.pctx.Get("CAIDO_API_TOKEN"),
		"no token may be exported when authentication failed")
}

func TestRunDegradedProxyExportsNothing(t *testing.T) {
	cfg := &config.Config{
		ProxyPort:    9000,
		ProxyBin:     "/usr/bin/caido-cli",
		ProxyEnabled: true,
		Workspace:    t.TempDir(),
		RuntimeDir:   t.TempDir(),
	}
	cp := &fakeControlPlane{healthy: false}
	var cap capturedExec
	r := testRunner(t, cfg, cp, &cap)

	require.NoError(t, r.Run(context.Background(), []string{"true"}))
	require.True(t, cap.called, "readiness timeout must not block handoff")
	assert.Zero(t, cap.pctx.Len())
	assert.Equal(t, OutcomeDegraded, outcomes(r)["proxy"])
}

func TestRunStrictProxyTimeoutAborts(t *testing.T) {
	cfg := &config.Config{
		ProxyPort:    9000,
		ProxyBin:     "/usr/bin/caido-cli",
		ProxyEnabled: true,
		Strict:       true,
		Workspace:    t.TempDir(),
		RuntimeDir:   t.TempDir(),
	}
	cp := &fakeControlPlane{healthy: false}
	var cap capturedExec
	r := testRunner(t, cfg, cp, &cap)

	err := r.Run(context.Background(), []string{"true"})
	require.ErrorIs(t, err, proxysvc.ErrNotReady)
	assert.False(t, cap.called, "strict readiness timeout must abort before handoff")
	assert.Equal(t, OutcomeFatal, outcomes(r)["proxy"])
}

func TestRunEmptyCommand(t *testing.T) {
	cfg := &config.Config{Workspace: t.TempDir(), RuntimeDir: t.TempDir()}
	var cap capturedExec
	r := testRunner(t, cfg, &fakeControlPlane{}, &cap)

	err := r.Run(context.Background(), nil)
	require.ErrorIs(t, err, handoff.ErrNoCommand)
	assert.False(t, cap.called)
}

func TestRunExecFailurePropagates(t *testing.T) {
	cfg := &config.Config{
		Workspace:  t.TempDir(),
		RuntimeDir: t.TempDir(),
		Ownership:  config.OwnershipSupervised,
	}
	r := testRunner(t, cfg, &fakeControlPlane{}, &capturedExec{})
	execErr := errors.New("no such file")
	r.Exec = func(string, *trust.ProcessContext, []string) error { return execErr }

	err := r.Run(context.Background(), []string{"missing"})
	require.ErrorIs(t, err, execErr)
	assert.Equal(t, OutcomeFatal, outcomes(r)["handoff"])
}

func TestRunRuntimeOutcomeClassification(t *testing.T) {
	cfg := &config.Config{
		Workspace:      t.TempDir(),
		RuntimeDir:     t.TempDir(),
		RuntimeEnabled: true,
		DockerdBin:     "/usr/bin/dockerd",
	}
	var cap capturedExec
	r := testRunner(t, cfg, &fakeControlPlane{}, &cap)

	r.StartRuntime = func(context.Context, *config.Config) bool { return true }
	require.NoError(t, r.Run(context.Background(), []string{"true"}))
	assert.Equal(t, OutcomeSuccess, outcomes(r)["runtime"])

	r2 := testRunner(t, cfg, &fakeControlPlane{}, &capturedExec{})
	r2.StartRuntime = func(context.Context, *config.Config) bool { return false }
	require.NoError(t, r2.Run(context.Background(), []string{"true"}))
	assert.Equal(t, OutcomeDegraded, outcomes(r2)["runtime"])
}
