package agent

import (
	"fmt"
	"os"
	"sync"
)

// rotatingWriter is a size-capped log file: when the cap is hit the file is
// renamed to path.1 (shifting older backups up) and a fresh file is opened.
// Small and dependency-free on purpose; agents run on minimal hosts.
type rotatingWriter struct {
	path     string
	maxBytes int64
	backups  int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewLogWriter opens (or creates) the agent log file described by the
// logging config section.
func NewLogWriter(cfg *Config) (*rotatingWriter, error) {
	w := &rotatingWriter{
		path:     cfg.Logging.File,
		maxBytes: cfg.Logging.RotateBytes,
		backups:  cfg.Logging.Backups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxBytes {
		// On rotation failure keep writing to the current (oversized) file
		// rather than losing logs.
		_ = w.rotate()
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate shifts the backups and opens a fresh file. The current file stays
// open and writable until its replacement is; a failed rotation leaves the
// writer exactly as it was.
func (w *rotatingWriter) rotate() error {
	// Shift path.(n-1) → path.n, oldest falls off.
	for i := w.backups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", w.path, i), fmt.Sprintf("%s.%d", w.path, i+1))
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}

	old := w.file
	if err := w.open(); err != nil {
		return err
	}
	old.Close()
	return nil
}

// Close closes the current log file.
func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
