package trust

import (
	"fmt"
	"os"
	"path/filepath"
)

// BuildBundle writes a combined CA bundle (system bundle plus the proxy CA)
// to outPath and returns the path consumers should point their CA-bundle
// variables at. When the proxy CA is unreadable the system bundle is
// returned unchanged; when the system bundle is unreadable the proxy CA
// alone is used. Only a failure to write the output is an error.
func BuildBundle(systemBundle, proxyCA, outPath string) (string, error) {
	ca, err := os.ReadFile(proxyCA)
	if err != nil {
		return systemBundle, nil
	}

	system, err := os.ReadFile(systemBundle)
	if err != nil {
		system = nil
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("creating bundle dir: %w", err)
	}

	combined := make([]byte, 0, len(system)+len(ca)+1)
	combined = append(combined, system...)
	if len(system) > 0 && system[len(system)-1] != '\n' {
		combined = append(combined, '\n')
	}
	combined = append(combined, ca...)

	if err := os.WriteFile(outPath, combined, 0o644); err != nil {
		return "", fmt.Errorf("writing combined CA bundle: %w", err)
	}
	return outPath, nil
}
