// Package wing is a client for the native node protocol of WING digital
// mixing consoles.
//
// A console exposes its parameters as a tree of nodes. Each node has a
// numeric id, a definition (type, unit, bounds, naming) and a value that may
// carry a string, a float and an int independently.
//
// Typical use:
//
//	consoles, _ := wing.Discover(ctx, 4, true)
//	c, err := wing.Connect(ctx, consoles[0].IP)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	c.OnNodeData(func(id uint32, d *wing.NodeData, _ interface{}) {
//		name, _ := wing.IDToName(id)
//		fmt.Println(name, d)
//	}, nil)
//	id, _ := wing.NameToID("/ch/1/fdr")
//	c.RequestNodeData(id)
//	return c.Run(ctx)
//
// Callbacks run on the goroutine calling Read or Run, in the order frames
// arrived. The snapshots they receive are shared with the session cache and
// must be treated as read-only.
package wing
