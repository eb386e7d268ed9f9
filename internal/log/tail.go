package log

import (
	"os"
	"strings"
)

// TailLines returns the last n lines of the file at path. Used to dump a
// dependent service's log when it fails to become ready. Returns nil when
// the file cannot be read.
func TailLines(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil || n <= 0 {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// DumpTail logs the last n lines of path at warn level, one line per record,
// prefixed with the given label.
func DumpTail(label, path string, n int) {
	lines := TailLines(path, n)
	if len(lines) == 0 {
		Warn(label+" log unavailable", "path", path)
		return
	}
	Warn(label+" log tail", "path", path, "lines", len(lines))
	for _, line := range lines {
		Warn(label + ": " + line)
	}
}
