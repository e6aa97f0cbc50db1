package wing

// RequestEndFunc is called when the console closes a batch of deliveries.
type RequestEndFunc func(ctx interface{})

// NodeDefinitionFunc is called for every definition that arrives. def is
// owned by the session and valid as a snapshot; it must not be modified.
type NodeDefinitionFunc func(def *NodeDefinition, ctx interface{})

// NodeDataFunc is called for every value that arrives, with the merged
// snapshot for id. data must not be modified.
type NodeDataFunc func(id uint32, data *NodeData, ctx interface{})

// dispatch updates the registry and invokes the matching callback.
func (c *Console) dispatch(ev Event) {
	if c.closed.Load() {
		return
	}
	switch e := ev.(type) {
	case DefinitionEvent:
		if !c.reg.storeDefinition(e.Definition) {
			return
		}
		c.cbMu.RLock()
		fn, ctx := c.onDef, c.defCtx
		c.cbMu.RUnlock()
		if fn != nil && !c.closed.Load() {
			fn(e.Definition, ctx)
		}
	case DataEvent:
		snap := c.reg.mergeData(e.ID, e.Data)
		if snap == nil {
			return
		}
		c.cbMu.RLock()
		fn, ctx := c.onData, c.datCtx
		c.cbMu.RUnlock()
		if fn != nil && !c.closed.Load() {
			fn(e.ID, snap, ctx)
		}
	case RequestEndEvent:
		c.cbMu.RLock()
		fn, ctx := c.onEnd, c.endCtx
		c.cbMu.RUnlock()
		if fn != nil && !c.closed.Load() {
			fn(ctx)
		}
	}
}

// OnRequestEnd registers the request-end callback, replacing any previous one.
func (c *Console) OnRequestEnd(fn RequestEndFunc, ctx interface{}) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	if c.closed.Load() {
		return
	}
	c.onEnd, c.endCtx = fn, ctx
}

// OnNodeDefinition registers the definition callback, replacing any previous one.
func (c *Console) OnNodeDefinition(fn NodeDefinitionFunc, ctx interface{}) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	if c.closed.Load() {
		return
	}
	c.onDef, c.defCtx = fn, ctx
}

// OnNodeData registers the data callback, replacing any previous one.
func (c *Console) OnNodeData(fn NodeDataFunc, ctx interface{}) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	if c.closed.Load() {
		return
	}
	c.onData, c.datCtx = fn, ctx
}
