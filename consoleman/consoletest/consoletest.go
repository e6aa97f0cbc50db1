// Package consoletest provides an in-memory console session for tests of
// code built on consoleman.
package consoletest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"winglink/config"
	"winglink/consoleman"
	"winglink/wing"
)

// Session answers definition and data requests from fixed tables and
// echoes every set back as node data, the way a console does. Callbacks
// run from Read.
type Session struct {
	mu     sync.Mutex
	id     string
	defs   map[uint32]*wing.NodeDefinition
	values map[uint32]wing.NodeData
	queue  []func()
	sets   []string
	closed bool

	onData  wing.NodeDataFunc
	dataCtx interface{}
	onDef   wing.NodeDefinitionFunc
	defCtx  interface{}
	onEnd   wing.RequestEndFunc
	endCtx  interface{}
}

// NewSession creates a session holding the given definitions and values.
func NewSession(id string, defs []*wing.NodeDefinition, values map[uint32]wing.NodeData) *Session {
	s := &Session{
		id:     id,
		defs:   make(map[uint32]*wing.NodeDefinition, len(defs)),
		values: make(map[uint32]wing.NodeData, len(values)),
	}
	for _, d := range defs {
		s.defs[d.ID] = d
	}
	for id, v := range values {
		s.values[id] = v
	}
	return s
}

func (s *Session) SessionID() string { return s.id }

func (s *Session) Read() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wing.ErrClosed
	}
	q := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, fn := range q {
		fn()
	}
	time.Sleep(time.Millisecond)
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) Keepalive() error { return nil }

func (s *Session) set(id uint32, d wing.NodeData, desc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wing.ErrClosed
	}
	s.sets = append(s.sets, desc)
	s.values[id] = d
	s.queueData(id)
	return nil
}

func (s *Session) SetString(id uint32, v string) error {
	return s.set(id, wing.StringData(v), fmt.Sprintf("string %d %s", id, v))
}

func (s *Session) SetFloat(id uint32, v float32) error {
	return s.set(id, wing.FloatData(v), fmt.Sprintf("float %d %g", id, v))
}

func (s *Session) SetInt(id uint32, v int32) error {
	return s.set(id, wing.IntData(v), fmt.Sprintf("int %d %d", id, v))
}

// queueData must be called with s.mu held.
func (s *Session) queueData(id uint32) {
	d, ok := s.values[id]
	if !ok {
		return
	}
	s.queue = append(s.queue, func() {
		s.mu.Lock()
		fn, ctx := s.onData, s.dataCtx
		s.mu.Unlock()
		if fn != nil {
			fn(id, &d, ctx)
		}
	})
}

func (s *Session) RequestNodeDefinition(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return nil
	}
	s.queue = append(s.queue, func() {
		s.mu.Lock()
		fn, ctx := s.onDef, s.defCtx
		s.mu.Unlock()
		if fn != nil {
			fn(def, ctx)
		}
	})
	return nil
}

func (s *Session) RequestNodeData(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueData(id)
	s.queue = append(s.queue, func() {
		s.mu.Lock()
		fn, ctx := s.onEnd, s.endCtx
		s.mu.Unlock()
		if fn != nil {
			fn(ctx)
		}
	})
	return nil
}

func (s *Session) OnRequestEnd(fn wing.RequestEndFunc, ctx interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnd, s.endCtx = fn, ctx
}

func (s *Session) OnNodeDefinition(fn wing.NodeDefinitionFunc, ctx interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDef, s.defCtx = fn, ctx
}

func (s *Session) OnNodeData(fn wing.NodeDataFunc, ctx interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData, s.dataCtx = fn, ctx
}

func (s *Session) Definition(id uint32) (*wing.NodeDefinition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	return d, ok
}

func (s *Session) Data(id uint32) (*wing.NodeData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.values[id]
	return &d, ok
}

func (s *Session) Definitions() []*wing.NodeDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wing.NodeDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	return out
}

// Sets returns a description of every set received, oldest first.
func (s *Session) Sets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sets...)
}

// Consoles dials Sessions built by a shared factory and remembers the most
// recent session per console name.
type Consoles struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  func(cfg *config.ConsoleConfig) *Session
}

// NewConsoles creates a dialer using factory for every connect.
func NewConsoles(factory func(cfg *config.ConsoleConfig) *Session) *Consoles {
	return &Consoles{sessions: make(map[string]*Session), factory: factory}
}

// Connect satisfies consoleman.ConnectFunc.
func (c *Consoles) Connect(ctx context.Context, cfg *config.ConsoleConfig) (consoleman.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := c.factory(cfg)
	c.mu.Lock()
	c.sessions[cfg.Name] = s
	c.mu.Unlock()
	return s, nil
}

// Get returns the latest session for a console, or nil.
func (c *Consoles) Get(name string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[name]
}
