package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"winglink/engine"
)

// Stream event type names.
const (
	eventNodeChange    = "node-change"
	eventNodeSet       = "node-set"
	eventStatusChange  = "status-change"
	eventConsoleChange = "console-change"
)

// streamEvent is one message fanned out to SSE and WebSocket clients.
type streamEvent struct {
	Type    string      `json:"type"`
	Console string      `json:"console,omitempty"` // set on console-specific events (for filtering)
	Node    string      `json:"node,omitempty"`    // set on node-specific events (for filtering)
	Data    interface{} `json:"data"`
	Time    string      `json:"time"`
}

// streamFilter narrows what a client receives. Empty sets match everything.
type streamFilter struct {
	types    map[string]bool
	consoles map[string]bool
	nodes    map[string]bool
}

func splitSet(s string) map[string]bool {
	if s == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = true
		}
	}
	return set
}

// parseFilter reads types, console(s) and nodes from the query string.
func parseFilter(r *http.Request) streamFilter {
	q := r.URL.Query()
	f := streamFilter{
		types:    splitSet(q.Get("types")),
		consoles: splitSet(q.Get("consoles")),
		nodes:    splitSet(q.Get("nodes")),
	}
	if c := q.Get("console"); c != "" {
		if f.consoles == nil {
			f.consoles = make(map[string]bool)
		}
		f.consoles[c] = true
	}
	return f
}

func (f streamFilter) match(e streamEvent) bool {
	if f.types != nil && !f.types[e.Type] {
		return false
	}
	if f.consoles != nil && e.Console != "" && !f.consoles[e.Console] {
		return false
	}
	if f.nodes != nil && e.Node != "" && !f.nodes[e.Node] {
		return false
	}
	return true
}

// hubClient is a connected stream client.
type hubClient struct {
	id     string
	filter streamFilter
	events chan streamEvent
}

// eventHub manages stream clients and broadcasts events to them.
type eventHub struct {
	clients    map[string]*hubClient
	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan streamEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*hubClient),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		broadcast:  make(chan streamEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			debugAPI.Log("stream client %s connected (%d total)", client.id, h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()
			debugAPI.Log("stream client %s gone (%d total)", client.id, h.ClientCount())

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				if !client.filter.match(event) {
					continue
				}
				select {
				case client.events <- event:
				default:
					debugAPI.Log("client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// subscribe registers a client. It returns nil once the hub has stopped.
func (h *eventHub) subscribe(filter streamFilter) *hubClient {
	client := &hubClient{
		id:     uuid.NewString(),
		filter: filter,
		events: make(chan streamEvent, 64),
	}
	select {
	case h.register <- client:
		return client
	case <-h.done:
		return nil
	}
}

func (h *eventHub) unsubscribe(client *hubClient) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *eventHub) Broadcast(event streamEvent) {
	if event.Time == "" {
		event.Time = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case h.broadcast <- event:
	default:
		debugAPI.Log("broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// setupEvents forwards engine events to the hub. The returned function
// unsubscribes and stops the hub.
func (h *handlers) setupEvents() func() {
	bus := h.engine.Events
	id := bus.SubscribeTypes(func(e engine.Event) {
		switch p := e.Payload.(type) {
		case engine.NodeEvent:
			typ := eventNodeChange
			if e.Type == engine.EventNodeSet {
				typ = eventNodeSet
			}
			h.hub.Broadcast(streamEvent{Type: typ, Console: p.Console, Node: p.Node, Data: p})
		case engine.ConsoleStatusEvent:
			h.hub.Broadcast(streamEvent{Type: eventStatusChange, Console: p.Name, Data: p})
		case engine.ConsoleEvent:
			action := map[engine.EventType]string{
				engine.EventConsoleCreated: "created",
				engine.EventConsoleUpdated: "updated",
				engine.EventConsoleDeleted: "deleted",
			}[e.Type]
			h.hub.Broadcast(streamEvent{
				Type:    eventConsoleChange,
				Console: p.Name,
				Data:    map[string]string{"console": p.Name, "action": action},
			})
		}
	}, engine.EventNodeChanged, engine.EventNodeSet, engine.EventConsoleStatus,
		engine.EventConsoleCreated, engine.EventConsoleUpdated, engine.EventConsoleDeleted)

	return func() {
		bus.Unsubscribe(id)
		h.hub.Stop()
	}
}

// handleSSE serves the /api/events server-sent event stream.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	client := h.hub.subscribe(parseFilter(r))
	if client == nil {
		h.writeError(w, http.StatusServiceUnavailable, "event stream stopped")
		return
	}
	defer h.hub.unsubscribe(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
