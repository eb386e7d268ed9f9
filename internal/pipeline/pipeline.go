// Package pipeline sequences the startup stages: resolve environment, bring
// up the interception proxy, propagate trust, bring up the container
// runtime, and exec the foreground command. Stages degrade independently;
// only configuration errors and, in strict mode, proxy failures abort
// before handoff.
package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/interceptlabs/sandboxinit/internal/config"
	"github.com/interceptlabs/sandboxinit/internal/dockerd"
	"github.com/interceptlabs/sandboxinit/internal/handoff"
	"github.com/interceptlabs/sandboxinit/internal/log"
	"github.com/interceptlabs/sandboxinit/internal/proxysvc"
	"github.com/interceptlabs/sandboxinit/internal/trust"
)

// StageOutcome classifies how a stage ended.
type StageOutcome string

const (
	OutcomeSuccess  StageOutcome = "success"
	OutcomeSkipped  StageOutcome = "skipped"
	OutcomeDegraded StageOutcome = "degraded"
	OutcomeFatal    StageOutcome = "fatal"
)

// StageResult names a completed stage and its outcome.
type StageResult struct {
	Stage   string
	Outcome StageOutcome
}

// Runner wires the stages together. New fills production collaborators;
// tests replace them.
type Runner struct {
	Config *config.Config

	Writer trust.SystemWriter
	Store  *trust.Store

	StartProxy   func(ctx context.Context, cfg *config.Config) (*proxysvc.Session, error)
	StartRuntime func(ctx context.Context, cfg *config.Config) bool
	Exec         func(workspace string, pctx *trust.ProcessContext, argv []string) error
	Setenv       func(key, value string) error

	// BundlePath is where the combined CA bundle is assembled.
	BundlePath string

	// Results records each stage's outcome, in order. Populated by Run.
	Results []StageResult
}

// New returns a Runner with production collaborators.
func New(cfg *config.Config) *Runner {
	return &Runner{
		Config: cfg,
		Writer: trust.DetectWriter(),
		Store:  &trust.Store{},
		StartProxy: func(ctx context.Context, cfg *config.Config) (*proxysvc.Session, error) {
			return proxysvc.Start(ctx, proxysvc.Options{Config: cfg})
		},
		StartRuntime: func(ctx context.Context, cfg *config.Config) bool {
			return (&dockerd.Supervisor{Config: cfg}).Start(ctx)
		},
		Exec:       handoff.Exec,
		Setenv:     os.Setenv,
		BundlePath: filepath.Join(cfg.RuntimeDir, "ca-bundle.pem"),
	}
}

func (r *Runner) record(stage string, outcome StageOutcome) {
	r.Results = append(r.Results, StageResult{Stage: stage, Outcome: outcome})
	log.Debug("stage finished", "stage", stage, "outcome", string(outcome))
}

// Run executes the pipeline. On success it does not return: the process is
// replaced by the foreground command. Every returned error means the
// handoff did not happen.
func (r *Runner) Run(ctx context.Context, argv []string) error {
	cfg := r.Config

	if len(argv) == 0 {
		return handoff.ErrNoCommand
	}

	cfg.ExportResolved(r.Setenv)
	r.record("resolve", OutcomeSuccess)

	pctx := trust.NewProcessContext()

	sess, err := r.StartProxy(ctx, cfg)
	if err != nil {
		// Strict-mode failure. Supervised ownership reaps the child on
		// this pre-exec exit; daemonized leaves it to the container.
		r.record("proxy", OutcomeFatal)
		r.reapIfSupervised(sess)
		return err
	}

	switch {
	case sess.State == proxysvc.StateSkipped:
		r.record("proxy", OutcomeSkipped)
	case sess.APIReady():
		r.exportProxyEnv(ctx, sess, pctx)
		r.record("proxy", OutcomeSuccess)
	default:
		r.record("proxy", OutcomeDegraded)
	}

	if r.StartRuntime(ctx, cfg) {
		r.record("runtime", OutcomeSuccess)
	} else if cfg.RuntimeEnabled {
		r.record("runtime", OutcomeDegraded)
	} else {
		r.record("runtime", OutcomeSkipped)
	}

	if err := r.Exec(cfg.Workspace, pctx, argv); err != nil {
		r.record("handoff", OutcomeFatal)
		r.reapIfSupervised(sess)
		return err
	}
	// Unreachable in production: a successful exec never returns. Test
	// stubs return nil to land here.
	r.record("handoff", OutcomeSuccess)
	return nil
}

// exportProxyEnv records proxy variables into the process context and
// performs the best-effort system propagation. Called only once the proxy
// answered its health probe.
func (r *Runner) exportProxyEnv(ctx context.Context, sess *proxysvc.Session, pctx *trust.ProcessContext) {
	cfg := r.Config
	proxyURL := cfg.ProxyURL()

	for _, key := range []string{"http_proxy", "https_proxy", "HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY"} {
		pctx.Set(key, proxyURL)
	}
	if sess.Authenticated() {
		pctx.Set("CAIDO_API_TOKEN", sess.Token())
	}

	bundle, err := trust.BuildBundle(cfg.SystemBundle, cfg.CABundle, r.BundlePath)
	if err != nil {
		log.Warn("assembling CA bundle failed", "err", err.Error())
		bundle = cfg.SystemBundle
	}
	if bundle != "" {
		pctx.Set("REQUESTS_CA_BUNDLE", bundle)
		pctx.Set("SSL_CERT_FILE", bundle)
		pctx.Set("NODE_EXTRA_CA_CERTS", bundle)
	}

	r.Store.Import(ctx, cfg.CABundle)
	trust.PropagateSystem(r.Writer, pctx, proxyURL, bundle)
}

// reapIfSupervised kills the proxy child on pre-exec error exits under the
// supervised ownership policy. Daemonized sessions are left running.
func (r *Runner) reapIfSupervised(sess *proxysvc.Session) {
	if sess == nil || r.Config.Ownership != config.OwnershipSupervised {
		return
	}
	log.Info("supervised ownership: stopping proxy before exit")
	sess.Kill()
}
