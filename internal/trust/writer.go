package trust

import (
	"fmt"
	"os"
	"strings"

	"github.com/interceptlabs/sandboxinit/internal/log"
)

// SystemWriter propagates proxy settings into system-wide files so shells
// and tools started later in the container pick them up. Every method is
// best-effort; implementations return errors only so callers can log them.
type SystemWriter interface {
	// WriteProfile writes a profile.d fragment exporting the given
	// variables. The fragment may carry the access token, so it is written
	// owner-only.
	WriteProfile(pctx *ProcessContext) error
	// WriteEnvFile appends missing KEY=value entries to the system
	// environment file.
	WriteEnvFile(pctx *ProcessContext) error
	// AppendRCSource adds a line sourcing the profile fragment to the
	// root shell rc file, once.
	AppendRCSource() error
	// WriteDownloaderConf points the downloader at the proxy and bundle.
	WriteDownloaderConf(proxyURL, caBundle string) error
}

// OSWriter writes the real system files. Paths are fields so tests can
// redirect them into a temp dir.
type OSWriter struct {
	ProfilePath string // default /etc/profile.d/99-sandbox-proxy.sh
	EnvFilePath string // default /etc/environment
	RCPath      string // default /root/.bashrc
	CurlRCPath  string // default /root/.curlrc
}

// NewOSWriter returns an OSWriter with the production paths.
func NewOSWriter() *OSWriter {
	return &OSWriter{
		ProfilePath: "/etc/profile.d/99-sandbox-proxy.sh",
		EnvFilePath: "/etc/environment",
		RCPath:      "/root/.bashrc",
		CurlRCPath:  "/root/.curlrc",
	}
}

// Writable reports whether the profile directory accepts writes; used to
// pick NopWriter in unprivileged environments.
func (w *OSWriter) Writable() bool {
	f, err := os.OpenFile(w.ProfilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func (w *OSWriter) WriteProfile(pctx *ProcessContext) error {
	var b strings.Builder
	b.WriteString("# Written by sandbox-init; do not edit.\n")
	for _, k := range pctx.SortedKeys() {
		fmt.Fprintf(&b, "export %s=%q\n", k, pctx.Get(k))
	}
	// 0600: the fragment carries the proxy access token.
	return os.WriteFile(w.ProfilePath, []byte(b.String()), 0o600)
}

func (w *OSWriter) WriteEnvFile(pctx *ProcessContext) error {
	existing, _ := os.ReadFile(w.EnvFilePath)
	present := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		if k, _, ok := strings.Cut(line, "="); ok {
			present[strings.TrimSpace(k)] = true
		}
	}

	var b strings.Builder
	b.Write(existing)
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		b.WriteByte('\n')
	}
	added := false
	for _, k := range pctx.SortedKeys() {
		if present[k] {
			continue
		}
		fmt.Fprintf(&b, "%s=%q\n", k, pctx.Get(k))
		added = true
	}
	if !added {
		return nil
	}
	return os.WriteFile(w.EnvFilePath, []byte(b.String()), 0o600)
}

func (w *OSWriter) AppendRCSource() error {
	line := fmt.Sprintf(". %s", w.ProfilePath)
	existing, _ := os.ReadFile(w.RCPath)
	if strings.Contains(string(existing), line) {
		return nil
	}
	f, err := os.OpenFile(w.RCPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "\n%s\n", line)
	return err
}

func (w *OSWriter) WriteDownloaderConf(proxyURL, caBundle string) error {
	conf := fmt.Sprintf("proxy = %q\ncacert = %q\n", proxyURL, caBundle)
	return os.WriteFile(w.CurlRCPath, []byte(conf), 0o600)
}

// NopWriter satisfies SystemWriter for environments without write access to
// system files. The pipeline logic is identical either way.
type NopWriter struct{}

func (NopWriter) WriteProfile(*ProcessContext) error       { return nil }
func (NopWriter) WriteEnvFile(*ProcessContext) error       { return nil }
func (NopWriter) AppendRCSource() error                    { return nil }
func (NopWriter) WriteDownloaderConf(string, string) error { return nil }

// DetectWriter returns an OSWriter when the profile path is writable,
// otherwise a NopWriter.
func DetectWriter() SystemWriter {
	w := NewOSWriter()
	if w.Writable() {
		return w
	}
	log.Debug("system files not writable, proxy env limited to the process")
	return NopWriter{}
}

// PropagateSystem runs every SystemWriter method, logging failures at warn
// level and never propagating them.
func PropagateSystem(w SystemWriter, pctx *ProcessContext, proxyURL, caBundle string) {
	if err := w.WriteProfile(pctx); err != nil {
		log.Warn("writing profile fragment failed", "err", err.Error())
	}
	if err := w.WriteEnvFile(pctx); err != nil {
		log.Warn("writing system environment file failed", "err", err.Error())
	}
	if err := w.AppendRCSource(); err != nil {
		log.Warn("appending rc source line failed", "err", err.Error())
	}
	if err := w.WriteDownloaderConf(proxyURL, caBundle); err != nil {
		log.Warn("writing downloader config failed", "err", err.Error())
	}
}

var _ SystemWriter = (*OSWriter)(nil)
var _ SystemWriter = NopWriter{}
