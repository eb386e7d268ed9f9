package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileWriter appends JSON debug records to a single file. The orchestrator
// lives for one container boot, so there is no rotation; the file is opened
// in append mode so a restarted init does not clobber the previous attempt's
// transcript.
type FileWriter struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileWriter opens (creating if needed) the debug log at path.
func NewFileWriter(path string) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating debug log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening debug log: %w", err)
	}
	return &FileWriter{file: f}, nil
}

// Write implements io.Writer.
func (fw *FileWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.file.Write(p)
}

// Close closes the underlying file.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.file != nil {
		err := fw.file.Close()
		fw.file = nil
		return err
	}
	return nil
}
