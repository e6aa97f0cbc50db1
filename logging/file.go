package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileLogger is the gateway's event log: console status changes, broker
// connects and write-backs, one timestamped line each. Safe for concurrent use.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
	lines  int
}

// NewFileLogger opens path for appending, creating it and its directory.
func NewFileLogger(path string) (*FileLogger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// Log writes a formatted, timestamped line. Calls after Close are dropped.
func (l *FileLogger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.writeLine(fmt.Sprintf(format, args...))
}

// Write makes FileLogger an io.Writer so the standard log package can target
// it. Each call becomes one line.
func (l *FileLogger) Write(p []byte) (int, error) {
	if l == nil {
		return len(p), nil
	}
	l.writeLine(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (l *FileLogger) writeLine(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s %s\n", timestamp, msg)
	l.lines++
}

// Lines returns how many lines have been written since open.
func (l *FileLogger) Lines() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines
}

// Close closes the log file. Closing twice is harmless.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
