package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Subsystem is a named debug channel. Packages declare theirs with Register
// at init, which is what the --log-debug filter and its help text list.
type Subsystem string

var (
	registryMu sync.RWMutex
	registry   = map[string][]string{}
)

// Register declares a subsystem. Filtering on name also enables every
// subsystem in implies, transitively. Registering a name twice merges the
// implied sets.
func Register(name string, implies ...string) Subsystem {
	key := strings.ToLower(name)
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, imp := range implies {
		imp = strings.ToLower(imp)
		if !contains(registry[key], imp) {
			registry[key] = append(registry[key], imp)
		}
		if _, ok := registry[imp]; !ok {
			registry[imp] = nil
		}
	}
	if _, ok := registry[key]; !ok {
		registry[key] = nil
	}
	return Subsystem(name)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// KnownSubsystems returns the registered subsystem names, sorted.
func KnownSubsystems() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// expand adds name and everything it implies to set.
func expand(name string, set map[string]bool) {
	if set[name] {
		return
	}
	set[name] = true
	registryMu.RLock()
	implied := registry[name]
	registryMu.RUnlock()
	for _, imp := range implied {
		expand(imp, set)
	}
}

// Log writes a line to the global debug log, if one is set.
func (s Subsystem) Log(format string, args ...interface{}) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.Log(string(s), format, args...)
	}
}

// TX dumps an outbound packet.
func (s Subsystem) TX(data []byte) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.logPacket(string(s), "TX", data)
	}
}

// RX dumps an inbound packet.
func (s Subsystem) RX(data []byte) {
	if l := GetGlobalDebugLogger(); l != nil {
		l.logPacket(string(s), "RX", data)
	}
}

// Error logs err with the operation it came from.
func (s Subsystem) Error(op string, err error) {
	s.Log("ERROR in %s: %v", op, err)
}

// Write lets a Subsystem back a log.Logger. Each call is one line.
func (s Subsystem) Write(p []byte) (int, error) {
	s.Log("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// header is the channel for the log's own start, filter and end lines. It
// passes every filter.
const header = "debug"

// DebugLogger writes the debug.log file: timestamped lines tagged with their
// subsystem, plus hex dumps of console traffic.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // empty logs everything
}

var (
	globalDebugLogger *DebugLogger
	globalDebugMu     sync.RWMutex
)

// NewDebugLogger truncates path and starts a new debug log in it.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}
	l := &DebugLogger{file: file, filters: make(map[string]bool)}
	l.Log(header, "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return l, nil
}

// SetFilter restricts logging to a comma-separated list of subsystems and
// whatever they imply. "" or "all" logs everything. Matching ignores case.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}
	filters := make(map[string]bool)
	if filter != "" && !strings.EqualFold(filter, "all") {
		for _, name := range strings.Split(filter, ",") {
			if name = strings.TrimSpace(strings.ToLower(name)); name != "" {
				expand(name, filters)
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.filters = filters
	if len(filters) > 0 {
		names := make([]string, 0, len(filters))
		for name := range filters {
			names = append(names, name)
		}
		sort.Strings(names)
		l.writeLocked(header, "Filtering enabled for: "+strings.Join(names, ", "))
	}
}

// shouldLog reports whether subsystem passes the filter. Caller holds l.mu.
func (l *DebugLogger) shouldLog(subsystem string) bool {
	if len(l.filters) == 0 || subsystem == header {
		return true
	}
	return l.filters[strings.ToLower(subsystem)]
}

func (l *DebugLogger) writeLocked(subsystem, msg string) {
	fmt.Fprintf(l.file, "%s [%s] %s\n", time.Now().Format("2006-01-02 15:04:05.000"), subsystem, msg)
}

// SetGlobalDebugLogger installs the logger Subsystem methods write to. nil
// turns debug logging off.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the installed logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes one formatted line for subsystem.
func (l *DebugLogger) Log(subsystem, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.shouldLog(subsystem) {
		return
	}
	l.writeLocked(subsystem, fmt.Sprintf(format, args...))
}

func (l *DebugLogger) logPacket(subsystem, direction string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.shouldLog(subsystem) {
		return
	}
	l.writeLocked(subsystem, fmt.Sprintf("%s (%d bytes):\n%s", direction, len(data), hexDump(data)))
}

// Close writes the footer and closes the file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.writeLocked(header, "Debug logging ended")
	return l.file.Close()
}

// hexDump renders data sixteen bytes per row, split in two groups of eight,
// with a printable-ASCII column:
//
//	0000: DF D1 D7 00 00 00 05 D5  C1 20 00 00              ......... ..
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		row := data[offset:min(offset+16, len(data))]
		fmt.Fprintf(&sb, "    %04X: ", offset)
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteByte(' ')
			}
			if i < len(row) {
				fmt.Fprintf(&sb, "%02X ", row[i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteByte(' ')
		for _, b := range row {
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		if offset+16 < len(data) {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
