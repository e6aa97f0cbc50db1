package engine

import (
	"fmt"
	"strconv"

	"winglink/config"
	"winglink/consoleman"
	"winglink/wing"
)

func (r ConsoleCreateRequest) toConfig() config.ConsoleConfig {
	return config.ConsoleConfig{
		Name:    r.Name,
		Address: r.Address,
		Port:    r.Port,
		Enabled: r.Enabled,
		Nodes:   r.Nodes,
	}
}

func checkNodes(nodes []config.NodeSelection) error {
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if _, err := wing.NameToID(n.Name); err != nil {
			if _, perr := strconv.ParseUint(n.Name, 10, 32); perr != nil {
				return fmt.Errorf("%w: node '%s' not in directory", ErrInvalidInput, n.Name)
			}
		}
		published := n.PublishedName()
		if seen[published] {
			return fmt.Errorf("%w: node name '%s' used twice", ErrInvalidInput, published)
		}
		seen[published] = true
	}
	return nil
}

// CreateConsole adds a console to config and starts managing it.
func (e *Engine) CreateConsole(req ConsoleCreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !config.IsValidNamespace(req.Name) {
		return fmt.Errorf("%w: invalid console name '%s'", ErrInvalidInput, req.Name)
	}
	if req.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidInput)
	}
	if err := checkNodes(req.Nodes); err != nil {
		return err
	}

	consoleCfg := req.toConfig()
	err := e.mutate(func(c *config.Config) error {
		if c.FindConsole(req.Name) != nil {
			return fmt.Errorf("%w: console '%s'", ErrAlreadyExists, req.Name)
		}
		c.AddConsole(consoleCfg)
		return nil
	})
	if err != nil {
		return err
	}

	if err := e.consoleMgr.AddConsole(&consoleCfg); err != nil {
		return fmt.Errorf("console created but failed to add to manager: %w", err)
	}
	e.updateMQTTConsoleNames()
	e.emit(EventConsoleCreated, ConsoleEvent{Name: req.Name})
	return nil
}

// UpdateConsole replaces a console's settings and restarts its session.
func (e *Engine) UpdateConsole(name string, req ConsoleUpdateRequest) error {
	if req.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidInput)
	}
	if err := checkNodes(req.Nodes); err != nil {
		return err
	}

	updated := ConsoleCreateRequest{
		Name: name, Address: req.Address, Port: req.Port,
		Enabled: req.Enabled, Nodes: req.Nodes,
	}.toConfig()
	err := e.mutate(func(c *config.Config) error {
		if !c.UpdateConsole(name, updated) {
			return fmt.Errorf("%w: console '%s'", ErrNotFound, name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	_ = e.consoleMgr.RemoveConsole(name)
	if err := e.consoleMgr.AddConsole(&updated); err != nil {
		return fmt.Errorf("failed to re-add console to manager: %w", err)
	}
	e.emit(EventConsoleUpdated, ConsoleEvent{Name: name})
	return nil
}

// DeleteConsole removes a console from config and closes its session.
func (e *Engine) DeleteConsole(name string) error {
	err := e.mutate(func(c *config.Config) error {
		if !c.RemoveConsole(name) {
			return fmt.Errorf("%w: console '%s'", ErrNotFound, name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	_ = e.consoleMgr.RemoveConsole(name)
	e.updateMQTTConsoleNames()
	e.emit(EventConsoleDeleted, ConsoleEvent{Name: name})
	return nil
}

// ConnectConsole enables a console and persists the enabled state.
func (e *Engine) ConnectConsole(name string) error {
	if err := e.persistEnabled(name, true); err != nil {
		return err
	}
	if err := e.consoleMgr.SetEnabled(name, true); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return e.consoleMgr.Connect(name)
}

// DisconnectConsole closes a console's session and persists the disabled
// state so it is not reopened.
func (e *Engine) DisconnectConsole(name string) error {
	if err := e.persistEnabled(name, false); err != nil {
		return err
	}
	if err := e.consoleMgr.SetEnabled(name, false); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return e.consoleMgr.Disconnect(name)
}

func (e *Engine) persistEnabled(name string, enabled bool) error {
	return e.mutate(func(c *config.Config) error {
		consoleCfg := c.FindConsole(name)
		if consoleCfg == nil {
			return fmt.Errorf("%w: console '%s'", ErrNotFound, name)
		}
		consoleCfg.Enabled = enabled
		return nil
	})
}

// SetNode writes a value to a node. Unlike broker write-back, this is not
// limited to nodes selected as writable.
func (e *Engine) SetNode(console, node string, value interface{}) error {
	if e.consoleMgr.GetConsole(console) == nil {
		return fmt.Errorf("%w: console '%s'", ErrNotFound, console)
	}
	if err := e.consoleMgr.SetNode(console, node, value); err != nil {
		return mapNodeError(err)
	}
	e.emit(EventNodeSet, NodeEvent{Console: console, Node: node, Value: value})
	return nil
}

// RefreshNode asks the console for a node's definition and value again.
func (e *Engine) RefreshNode(console, node string) error {
	if e.consoleMgr.GetConsole(console) == nil {
		return fmt.Errorf("%w: console '%s'", ErrNotFound, console)
	}
	if err := e.consoleMgr.Refresh(console, node); err != nil {
		return mapNodeError(err)
	}
	e.emit(EventNodeRefreshed, NodeEvent{Console: console, Node: node})
	return nil
}

// Node returns the cached definition and value of a node.
func (e *Engine) Node(console, node string) (*wing.NodeDefinition, consoleman.NodeValue, error) {
	if e.consoleMgr.GetConsole(console) == nil {
		return nil, consoleman.NodeValue{}, fmt.Errorf("%w: console '%s'", ErrNotFound, console)
	}
	def, v, err := e.consoleMgr.Node(console, node)
	if err != nil {
		return nil, v, mapNodeError(err)
	}
	return def, v, nil
}

// Definitions returns the definitions cached by a console's session.
func (e *Engine) Definitions(console string) ([]*wing.NodeDefinition, error) {
	if e.consoleMgr.GetConsole(console) == nil {
		return nil, fmt.Errorf("%w: console '%s'", ErrNotFound, console)
	}
	defs, err := e.consoleMgr.Definitions(console)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return defs, nil
}

// AddDiscovered adds every discovered console whose address is not yet
// configured, enabled and mirroring all nodes. It returns how many were added.
func (e *Engine) AddDiscovered(records []wing.DiscoveryRecord) int {
	added := 0
	for _, r := range records {
		if e.cfg.FindConsoleByAddress(r.IP) != nil {
			continue
		}
		name := discoveredName(r)
		for i := 2; e.cfg.FindConsole(name) != nil; i++ {
			name = fmt.Sprintf("%s-%d", discoveredName(r), i)
		}
		if err := e.CreateConsole(ConsoleCreateRequest{Name: name, Address: r.IP, Enabled: true}); err != nil {
			e.logFn("Cannot add discovered console %s: %v", r.IP, err)
			continue
		}
		added++
	}
	return added
}

// discoveredName derives a console name from a discovery record.
func discoveredName(r wing.DiscoveryRecord) string {
	name := make([]rune, 0, len(r.Name))
	for _, c := range r.Name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			name = append(name, c)
		case c == ' ':
			name = append(name, '-')
		}
	}
	if len(name) == 0 {
		return "wing-" + r.Serial
	}
	return string(name)
}
