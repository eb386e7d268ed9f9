package trust

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempWriter(t *testing.T) *OSWriter {
	dir := t.TempDir()
	return &OSWriter{
		ProfilePath: filepath.Join(dir, "99-sandbox-proxy.sh"),
		EnvFilePath: filepath.Join(dir, "environment"),
		RCPath:      filepath.Join(dir, ".bashrc"),
		CurlRCPath:  filepath.Join(dir, ".curlrc"),
	}
}

func proxyContext() *ProcessContext {
	p := NewProcessContext()
	p.Set("http_proxy", "http://127.0.0.1:9000")
	p.Set("CAIDO_API_TOKEN", "tok-secret")
	return p
}

func TestWriteProfile(t *testing.T) {
	w := tempWriter(t)
	if err := w.WriteProfile(proxyContext()); err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}

	data, err := os.ReadFile(w.ProfilePath)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, `export http_proxy="http://127.0.0.1:9000"`) {
		t.Errorf("missing proxy export:\n%s", content)
	}
	if !strings.Contains(content, `export CAIDO_API_TOKEN="tok-secret"`) {
		t.Errorf("missing token export:\n%s", content)
	}

	info, err := os.Stat(w.ProfilePath)
	if err != nil {
		t.Fatal(err)
	}
	// Token-bearing file must be owner-only.
	if info.Mode().Perm() != 0o600 {
		t.Errorf("profile mode = %o, want 600", info.Mode().Perm())
	}
}

func TestWriteEnvFilePreservesAndDeduplicates(t *testing.T) {
	w := tempWriter(t)
	if err := os.WriteFile(w.EnvFilePath, []byte("PATH=\"/usr/bin\"\nhttp_proxy=\"old\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := w.WriteEnvFile(proxyContext()); err != nil {
		t.Fatalf("WriteEnvFile: %v", err)
	}
	data, _ := os.ReadFile(w.EnvFilePath)
	content := string(data)

	if !strings.Contains(content, "PATH=\"/usr/bin\"") {
		t.Error("existing entries must be preserved")
	}
	if strings.Count(content, "http_proxy=") != 1 {
		t.Errorf("http_proxy duplicated:\n%s", content)
	}
	if !strings.Contains(content, `CAIDO_API_TOKEN="tok-secret"`) {
		t.Error("missing new entry")
	}
}

func TestAppendRCSourceIdempotent(t *testing.T) {
	w := tempWriter(t)
	if err := w.AppendRCSource(); err != nil {
		t.Fatalf("AppendRCSource: %v", err)
	}
	if err := w.AppendRCSource(); err != nil {
		t.Fatalf("AppendRCSource (second): %v", err)
	}
	data, _ := os.ReadFile(w.RCPath)
	if strings.Count(string(data), w.ProfilePath) != 1 {
		t.Errorf("source line duplicated:\n%s", data)
	}
}

func TestWriteDownloaderConf(t *testing.T) {
	w := tempWriter(t)
	if err := w.WriteDownloaderConf("http://127.0.0.1:9000", "/run/ca-bundle.pem"); err != nil {
		t.Fatalf("WriteDownloaderConf: %v", err)
	}
	data, _ := os.ReadFile(w.CurlRCPath)
	if !strings.Contains(string(data), `proxy = "http://127.0.0.1:9000"`) {
		t.Errorf("missing proxy line:\n%s", data)
	}
	if !strings.Contains(string(data), `cacert = "/run/ca-bundle.pem"`) {
		t.Errorf("missing cacert line:\n%s", data)
	}
}

func TestPropagateSystemSwallowsFailures(t *testing.T) {
	// Writer pointed at an unwritable location: nothing may escape.
	w := &OSWriter{
		ProfilePath: "/nonexistent/dir/profile.sh",
		EnvFilePath: "/nonexistent/dir/environment",
		RCPath:      "/nonexistent/dir/.bashrc",
		CurlRCPath:  "/nonexistent/dir/.curlrc",
	}
	PropagateSystem(w, proxyContext(), "http://127.0.0.1:9000", "/bundle")
}

func TestNopWriter(t *testing.T) {
	var w SystemWriter = NopWriter{}
	if err := w.WriteProfile(proxyContext()); err != nil {
		t.Error(err)
	}
	if err := w.AppendRCSource(); err != nil {
		t.Error(err)
	}
}

func TestBuildBundle(t *testing.T) {
	dir := t.TempDir()
	system := filepath.Join(dir, "system.pem")
	ca := filepath.Join(dir, "ca.pem")
	out := filepath.Join(dir, "combined.pem")

	if err := os.WriteFile(system, []byte("SYSTEM\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ca, []byte("PROXYCA\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	path, err := BuildBundle(system, ca, out)
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}
	if path != out {
		t.Errorf("path = %q, want %q", path, out)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "SYSTEM\nPROXYCA\n" {
		t.Errorf("combined = %q", data)
	}
}

func TestBuildBundleMissingProxyCA(t *testing.T) {
	dir := t.TempDir()
	system := filepath.Join(dir, "system.pem")
	if err := os.WriteFile(system, []byte("SYSTEM\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	path, err := BuildBundle(system, filepath.Join(dir, "missing.pem"), filepath.Join(dir, "out.pem"))
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}
	if path != system {
		t.Errorf("path = %q, want system bundle fallback", path)
	}
}
