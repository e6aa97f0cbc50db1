// Package consoleman keeps sessions to configured consoles alive and turns
// their node updates into change batches for the publishers.
package consoleman

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"winglink/config"
	"winglink/logging"
	"winglink/wing"
)

var debugConsoles = logging.Register("consoleman", "wing")

var (
	ErrConsoleNotFound = errors.New("console not found")
	ErrNotConnected    = errors.New("console not connected")
	ErrNotWritable     = errors.New("node is not writable")
	ErrInvalidValue    = errors.New("invalid value")
)

// ConnectionStatus represents the state of a console session.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ValueChange is a node value that changed on a console.
type ValueChange struct {
	Console   string
	Node      string // Published name (alias or directory name)
	Path      string // Directory name
	ID        uint32
	Type      string
	Unit      string
	Value     interface{}
	Timestamp time.Time
}

// ManagedConsole is a console under management.
type ManagedConsole struct {
	Config    *config.ConsoleConfig
	Session   Session
	Status    ConnectionStatus
	LastError error
	LastSeen  time.Time
	Batches   int // Request-end markers received
	Values    map[uint32]*NodeValue

	selected map[uint32]config.NodeSelection
	pending  []ValueChange
	paused   bool
	mu       sync.RWMutex

	// With no selection every group node that arrives is walked once.
	mirrorAll bool
	walked    map[uint32]bool
	toWalk    []uint32
}

// GetStatus returns the current connection status thread-safely.
func (c *ManagedConsole) GetStatus() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Status
}

// GetError returns the last error thread-safely.
func (c *ManagedConsole) GetError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LastError
}

// Settings returns a copy of the console's configuration.
func (c *ManagedConsole) Settings() config.ConsoleConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg := *c.Config
	cfg.Nodes = append([]config.NodeSelection(nil), c.Config.Nodes...)
	return cfg
}

// SessionID returns the id of the live session, or "".
func (c *ManagedConsole) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Session == nil {
		return ""
	}
	return c.Session.SessionID()
}

// GetValue returns a copy of the cached value for id.
func (c *ManagedConsole) GetValue(id uint32) (NodeValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.Values[id]
	if !ok {
		return NodeValue{}, false
	}
	return *v, true
}

func (c *ManagedConsole) session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session
}

// publishedName returns the name changes for id go out under, and whether
// id is published at all. With no selection every node is published.
func (c *ManagedConsole) publishedName(id uint32, path string) (string, bool) {
	if len(c.Config.Nodes) == 0 {
		return path, true
	}
	sel, ok := c.selected[id]
	if !ok || !sel.Enabled {
		return "", false
	}
	return sel.PublishedName(), true
}

func (c *ManagedConsole) recordDefinition(def *wing.NodeDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.valueLocked(def.ID)
	v.Type = def.Type.String()
	v.Unit = def.Unit.String()
	v.ReadOnly = def.ReadOnly
	c.LastSeen = time.Now()

	if c.mirrorAll && def.Type == wing.NodeTypeNode && !c.walked[def.ID] {
		c.walked[def.ID] = true
		c.toWalk = append(c.toWalk, def.ID)
	}
}

// takeWalk returns the group nodes whose children still need requesting.
func (c *ManagedConsole) takeWalk() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.toWalk
	c.toWalk = nil
	return ids
}

func (c *ManagedConsole) recordData(id uint32, d *wing.NodeData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.valueLocked(id)
	old := fmt.Sprintf("%v", v.GoValue())
	had := !v.Data.Empty()
	v.Data = *d
	v.Updated = time.Now()
	c.LastSeen = v.Updated

	newVal := v.GoValue()
	if had && old == fmt.Sprintf("%v", newVal) {
		return
	}
	name, ok := c.publishedName(id, v.Name)
	if !ok {
		return
	}
	c.pending = append(c.pending, ValueChange{
		Console:   c.Config.Name,
		Node:      name,
		Path:      v.Name,
		ID:        id,
		Type:      v.Type,
		Unit:      v.Unit,
		Value:     newVal,
		Timestamp: v.Updated,
	})
}

func (c *ManagedConsole) valueLocked(id uint32) *NodeValue {
	v, ok := c.Values[id]
	if !ok {
		v = &NodeValue{ID: id, Name: nodeName(id)}
		c.Values[id] = v
	}
	return v
}

func (c *ManagedConsole) takePending() []ValueChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = nil
	return p
}

// consoleWorker runs one console's session in its own goroutine.
type consoleWorker struct {
	console *ManagedConsole
	manager *Manager
	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	wg      sync.WaitGroup
}

func newConsoleWorker(c *ManagedConsole, m *Manager) *consoleWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &consoleWorker{
		console: c,
		manager: m,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}
}

func (w *consoleWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *consoleWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *consoleWorker) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// wait sleeps for d, returning early on wake. It returns false once stopped.
func (w *consoleWorker) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.ctx.Done():
		return false
	case <-w.wake:
		return true
	case <-t.C:
		return true
	}
}

func (w *consoleWorker) run() {
	defer w.wg.Done()
	c := w.console
	lastKeepalive := time.Now()

	for w.ctx.Err() == nil {
		s := c.session()
		if s == nil {
			c.mu.RLock()
			want := c.Config.Enabled && !c.paused
			c.mu.RUnlock()
			if !want {
				if !w.wait(w.manager.reconnect) {
					return
				}
				continue
			}
			if err := w.manager.connectConsole(w.ctx, c); err != nil {
				if !w.wait(w.manager.reconnect) {
					return
				}
			}
			lastKeepalive = time.Now()
			continue
		}

		err := s.Read()
		if changes := c.takePending(); len(changes) > 0 {
			w.manager.sendChanges(changes)
		}
		if err == nil {
			err = requestNodes(s, c.takeWalk())
		}
		if err != nil {
			w.manager.dropSession(c, s, err)
			continue
		}

		if time.Since(lastKeepalive) >= w.manager.keepalive {
			lastKeepalive = time.Now()
			if err := s.Keepalive(); err != nil {
				w.manager.dropSession(c, s, err)
			}
		}
	}

	if s := c.session(); s != nil {
		w.manager.dropSession(c, s, wing.ErrClosed)
	}
}

// Manager manages console sessions.
type Manager struct {
	consoles map[string]*ManagedConsole
	workers  map[string]*consoleWorker
	mu       sync.RWMutex

	connect       ConnectFunc
	keepalive     time.Duration
	reconnect     time.Duration
	batchInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onChange       func()
	onValueChange  func(changes []ValueChange)
	onStatusChange func(console string, status ConnectionStatus, err error)

	changeChan  chan []ValueChange
	statusDirty int32
}

// NewManager creates a console manager. A nil connect uses DialConsole.
func NewManager(connect ConnectFunc, keepalive, reconnect time.Duration) *Manager {
	if connect == nil {
		connect = DialConsole
	}
	if keepalive <= 0 {
		keepalive = config.DefaultKeepalive
	}
	if reconnect <= 0 {
		reconnect = config.DefaultReconnect
	}
	return &Manager{
		consoles:      make(map[string]*ManagedConsole),
		workers:       make(map[string]*consoleWorker),
		connect:       connect,
		keepalive:     keepalive,
		reconnect:     reconnect,
		batchInterval: 100 * time.Millisecond,
		changeChan:    make(chan []ValueChange, 100),
	}
}

// SetOnChange sets a callback that fires (batched) when any status changes.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnValueChange sets a callback that receives batches of value changes.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

// SetOnStatusChange sets a callback that fires on every status transition.
func (m *Manager) SetOnStatusChange(fn func(console string, status ConnectionStatus, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatusChange = fn
}

func (m *Manager) markStatusDirty() {
	atomic.StoreInt32(&m.statusDirty, 1)
}

func (m *Manager) setStatus(c *ManagedConsole, status ConnectionStatus, err error) {
	c.mu.Lock()
	changed := c.Status != status
	c.Status = status
	c.LastError = err
	name := c.Config.Name
	c.mu.Unlock()

	m.markStatusDirty()
	if !changed {
		return
	}
	m.mu.RLock()
	fn := m.onStatusChange
	m.mu.RUnlock()
	if fn != nil {
		fn(name, status, err)
	}
}

func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		// Channel full, drop oldest and retry
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

// AddConsole adds a console to management.
func (m *Manager) AddConsole(cfg *config.ConsoleConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.consoles[cfg.Name]; exists {
		return fmt.Errorf("console already managed: %s", cfg.Name)
	}

	c := &ManagedConsole{
		Config:   cfg,
		Status:   StatusDisconnected,
		Values:   make(map[uint32]*NodeValue),
		selected: make(map[uint32]config.NodeSelection),
	}
	m.consoles[cfg.Name] = c

	if m.ctx != nil {
		w := newConsoleWorker(c, m)
		m.workers[cfg.Name] = w
		w.Start()
	}
	return nil
}

// RemoveConsole stops managing a console and closes its session.
func (m *Manager) RemoveConsole(name string) error {
	m.mu.Lock()
	c, exists := m.consoles[name]
	w := m.workers[name]
	if exists {
		delete(m.consoles, name)
		delete(m.workers, name)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrConsoleNotFound, name)
	}
	if w != nil {
		w.Stop()
	}
	if s := c.session(); s != nil {
		s.Close()
	}
	m.markStatusDirty()
	return nil
}

// connectConsole opens a session, registers callbacks and requests the
// selected nodes. Called from the console's worker.
func (m *Manager) connectConsole(ctx context.Context, c *ManagedConsole) error {
	m.setStatus(c, StatusConnecting, nil)

	s, err := m.connect(ctx, c.Config)
	if err != nil {
		debugConsoles.Log("Connect %s (%s) failed: %v", c.Config.Name, c.Config.Address, err)
		m.setStatus(c, StatusError, err)
		return err
	}

	s.OnNodeDefinition(func(def *wing.NodeDefinition, ctx interface{}) {
		ctx.(*ManagedConsole).recordDefinition(def)
	}, c)
	s.OnNodeData(func(id uint32, d *wing.NodeData, ctx interface{}) {
		ctx.(*ManagedConsole).recordData(id, d)
	}, c)
	s.OnRequestEnd(func(ctx interface{}) {
		mc := ctx.(*ManagedConsole)
		mc.mu.Lock()
		mc.Batches++
		mc.mu.Unlock()
	}, c)

	selected := make(map[uint32]config.NodeSelection)
	var ids []uint32
	for _, sel := range c.Config.Nodes {
		id, err := resolveID(sel.Name)
		if err != nil {
			debugConsoles.Log("%s: skipping node %q: %v", c.Config.Name, sel.Name, err)
			continue
		}
		selected[id] = sel
		if sel.Enabled {
			ids = append(ids, id)
		}
	}

	mirrorAll := len(c.Config.Nodes) == 0
	if mirrorAll {
		ids = []uint32{0}
	}

	c.mu.Lock()
	c.Session = s
	c.selected = selected
	c.mirrorAll = mirrorAll
	c.walked = map[uint32]bool{0: true}
	c.toWalk = nil
	c.mu.Unlock()
	m.setStatus(c, StatusConnected, nil)
	debugConsoles.Log("Connected %s session %s, requesting %d node(s)", c.Config.Name, s.SessionID(), len(ids))

	return requestNodes(s, ids)
}

// requestNodes asks for the definition and value of each id.
func requestNodes(s Session, ids []uint32) error {
	for _, id := range ids {
		if err := s.RequestNodeDefinition(id); err != nil {
			return err
		}
		if err := s.RequestNodeData(id); err != nil {
			return err
		}
	}
	return nil
}

// dropSession tears down s after a failure or an explicit disconnect.
func (m *Manager) dropSession(c *ManagedConsole, s Session, cause error) {
	c.mu.Lock()
	current := c.Session == s
	if current {
		c.Session = nil
	}
	paused := c.paused
	c.mu.Unlock()
	s.Close()

	if !current {
		return
	}
	if paused || errors.Is(cause, wing.ErrClosed) {
		m.setStatus(c, StatusDisconnected, nil)
		return
	}
	debugConsoles.Log("%s: session lost: %v", c.Config.Name, cause)
	m.setStatus(c, StatusError, cause)
}

// Connect asks the named console's worker to connect now.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	c, exists := m.consoles[name]
	w := m.workers[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrConsoleNotFound, name)
	}
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	if w != nil {
		w.poke()
	}
	return nil
}

// SetEnabled changes whether the named console's worker keeps a session open.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	c := m.GetConsole(name)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConsoleNotFound, name)
	}
	c.mu.Lock()
	c.Config.Enabled = enabled
	c.mu.Unlock()
	return nil
}

// Disconnect closes the named console's session and keeps it closed until
// Connect is called.
func (m *Manager) Disconnect(name string) error {
	m.mu.RLock()
	c, exists := m.consoles[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrConsoleNotFound, name)
	}
	c.mu.Lock()
	c.paused = true
	s := c.Session
	c.mu.Unlock()

	if s != nil {
		m.dropSession(c, s, wing.ErrClosed)
	}
	return nil
}

// GetConsole returns the managed console with the given name.
func (m *Manager) GetConsole(name string) *ManagedConsole {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consoles[name]
}

// ListConsoles returns all managed consoles sorted by name.
func (m *Manager) ListConsoles() []*ManagedConsole {
	m.mu.RLock()
	result := make([]*ManagedConsole, 0, len(m.consoles))
	for _, c := range m.consoles {
		result = append(result, c)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Config.Name < result[j].Config.Name })
	return result
}

// Start begins background sessions for all consoles.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for name, c := range m.consoles {
		w := newConsoleWorker(c, m)
		m.workers[name] = w
		w.Start()
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.batchedUpdateLoop()
}

// Stop halts all workers and closes every session.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	workers := make([]*consoleWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*consoleWorker)
	m.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

// batchedUpdateLoop aggregates changes and status updates at a controlled rate.
func (m *Manager) batchedUpdateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pending []ValueChange

	for {
		select {
		case <-m.ctx.Done():
			if len(pending) > 0 {
				m.flushValueChanges(pending)
			}
			return

		case changes := <-m.changeChan:
			pending = append(pending, changes...)

		case <-ticker.C:
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.mu.RLock()
				fn := m.onChange
				m.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}
			if len(pending) > 0 {
				m.flushValueChanges(pending)
				pending = nil
			}
		}
	}
}

func (m *Manager) flushValueChanges(changes []ValueChange) {
	m.mu.RLock()
	fn := m.onValueChange
	m.mu.RUnlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

// ResolveNode maps a node reference (alias, directory name or decimal id) on
// the named console to a node id.
func (m *Manager) ResolveNode(console, node string) (uint32, error) {
	_, id, err := m.resolve(console, node)
	return id, err
}

// resolve is ResolveNode that also returns the console it looked up.
func (m *Manager) resolve(console, node string) (*ManagedConsole, uint32, error) {
	c := m.GetConsole(console)
	if c == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrConsoleNotFound, console)
	}
	for _, sel := range c.Config.Nodes {
		if sel.Alias != "" && sel.Alias == node {
			id, err := resolveID(sel.Name)
			return c, id, err
		}
	}
	id, err := resolveID(node)
	return c, id, err
}

func (m *Manager) liveSession(console string) (*ManagedConsole, Session, error) {
	c := m.GetConsole(console)
	if c == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrConsoleNotFound, console)
	}
	c.mu.RLock()
	s, status := c.Session, c.Status
	c.mu.RUnlock()
	if s == nil || status != StatusConnected {
		return c, nil, fmt.Errorf("%w: %s", ErrNotConnected, console)
	}
	return c, s, nil
}

// SetNode writes value to a node on a connected console.
func (m *Manager) SetNode(console, node string, value interface{}) error {
	id, err := m.ResolveNode(console, node)
	if err != nil {
		return err
	}
	_, s, err := m.liveSession(console)
	if err != nil {
		return err
	}
	debugConsoles.Log("%s: set %s = %v", console, nodeName(id), value)
	return applySet(s, id, value)
}

// WriteBack is SetNode restricted to nodes selected as writable; brokers
// go through it.
func (m *Manager) WriteBack(console, node string, value interface{}) error {
	c, id, err := m.resolve(console, node)
	if err != nil {
		return err
	}
	c.mu.RLock()
	sel, ok := c.selected[id]
	c.mu.RUnlock()
	if !ok || !sel.Writable {
		return fmt.Errorf("%w: %s on %s", ErrNotWritable, node, console)
	}
	return m.SetNode(console, node, value)
}

// IsWritable reports whether node on console is selected as writable.
func (m *Manager) IsWritable(console, node string) bool {
	c, id, err := m.resolve(console, node)
	if err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sel, ok := c.selected[id]; ok {
		return sel.Writable
	}
	for _, sel := range c.Config.Nodes {
		if sel.Name == nodeName(id) {
			return sel.Writable
		}
	}
	return false
}

// Refresh requests a node's definition and value again.
func (m *Manager) Refresh(console, node string) error {
	id, err := m.ResolveNode(console, node)
	if err != nil {
		return err
	}
	_, s, err := m.liveSession(console)
	if err != nil {
		return err
	}
	if err := s.RequestNodeDefinition(id); err != nil {
		return err
	}
	return s.RequestNodeData(id)
}

// Node returns the cached definition and value of a node. Either may be
// absent; a node neither defined nor seen yields wing.ErrNotFound.
func (m *Manager) Node(console, node string) (*wing.NodeDefinition, NodeValue, error) {
	c, id, err := m.resolve(console, node)
	if err != nil {
		return nil, NodeValue{}, err
	}
	val, seen := c.GetValue(id)

	var def *wing.NodeDefinition
	if s := c.session(); s != nil {
		def, _ = s.Definition(id)
	}
	if def == nil && !seen {
		return nil, NodeValue{}, fmt.Errorf("node %s on %s: %w", node, console, wing.ErrNotFound)
	}
	if !seen {
		val = NodeValue{ID: id, Name: nodeName(id)}
	}
	return def, val, nil
}

// Definitions returns the definitions cached by the console's live session.
func (m *Manager) Definitions(console string) ([]*wing.NodeDefinition, error) {
	_, s, err := m.liveSession(console)
	if err != nil {
		return nil, err
	}
	return s.Definitions(), nil
}

// LoadFromConfig adds all consoles from configuration. Each console gets
// its own copy of its settings.
func (m *Manager) LoadFromConfig(cfg *config.Config) {
	for i := range cfg.Consoles {
		cc := cfg.Consoles[i]
		if err := m.AddConsole(&cc); err != nil {
			debugConsoles.Log("%v", err)
		}
	}
}

// DisconnectAll disconnects all consoles.
func (m *Manager) DisconnectAll() {
	for _, c := range m.ListConsoles() {
		m.Disconnect(c.Config.Name)
	}
}

// GetAllCurrentValues returns every published value currently cached. Used
// to seed a broker after it connects.
func (m *Manager) GetAllCurrentValues() []ValueChange {
	var results []ValueChange
	for _, c := range m.ListConsoles() {
		c.mu.RLock()
		for id, v := range c.Values {
			if v.Data.Empty() {
				continue
			}
			name, ok := c.publishedName(id, v.Name)
			if !ok {
				continue
			}
			results = append(results, ValueChange{
				Console:   c.Config.Name,
				Node:      name,
				Path:      v.Name,
				ID:        id,
				Type:      v.Type,
				Unit:      v.Unit,
				Value:     v.GoValue(),
				Timestamp: v.Updated,
			})
		}
		c.mu.RUnlock()
	}
	return results
}
