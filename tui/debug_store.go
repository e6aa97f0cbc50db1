package tui

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"winglink/logging"
)

// LogMessage is a single entry in the log store.
type LogMessage struct {
	Timestamp time.Time
	Level     string // "ERROR", "MQTT", "KAFKA", "VALKEY", "WING", ""
	Message   string
}

// LogListenerID identifies a log store subscriber.
type LogListenerID string

// LogStore keeps the most recent log lines and fans new ones out to
// subscribers. Writers never block: a contended append is dropped.
type LogStore struct {
	messages    []LogMessage
	mu          sync.RWMutex
	maxLines    int
	listeners   map[LogListenerID]func(LogMessage)
	listenersMu sync.RWMutex
	counter     uint64
	fileLogger  *logging.FileLogger
}

// NewLogStore creates a store holding at most maxLines messages.
func NewLogStore(maxLines int) *LogStore {
	return &LogStore{
		maxLines:  maxLines,
		listeners: make(map[LogListenerID]func(LogMessage)),
	}
}

// Log adds a message and notifies subscribers.
func (s *LogStore) Log(level, format string, args ...interface{}) {
	msg := LogMessage{
		Timestamp: time.Now(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	}

	s.mu.RLock()
	fl := s.fileLogger
	s.mu.RUnlock()
	if fl != nil {
		fl.Log("%s", msg.Message)
	}

	if !s.mu.TryLock() {
		return
	}
	s.messages = append(s.messages, msg)
	if len(s.messages) > s.maxLines {
		s.messages = s.messages[len(s.messages)-s.maxLines:]
	}
	s.mu.Unlock()

	s.listenersMu.RLock()
	listeners := make([]func(LogMessage), 0, len(s.listeners))
	for _, cb := range s.listeners {
		listeners = append(listeners, cb)
	}
	s.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb(msg)
	}
}

// Logf is a LogFunc writing unlevelled messages.
func (s *LogStore) Logf(format string, args ...interface{}) {
	s.Log("", format, args...)
}

// Subscribe registers a callback for new messages.
func (s *LogStore) Subscribe(cb func(LogMessage)) LogListenerID {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := LogListenerID(fmt.Sprintf("log-%d", atomic.AddUint64(&s.counter, 1)))
	s.listeners[id] = cb
	return id
}

// Unsubscribe removes a subscriber.
func (s *LogStore) Unsubscribe(id LogListenerID) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	delete(s.listeners, id)
}

// GetMessages returns a copy of the stored messages, oldest first.
func (s *LogStore) GetMessages() []LogMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]LogMessage, len(s.messages))
	copy(result, s.messages)
	return result
}

// Clear removes all messages.
func (s *LogStore) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
}

// SetFileLogger mirrors every message to a file.
func (s *LogStore) SetFileLogger(logger *logging.FileLogger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileLogger = logger
}
