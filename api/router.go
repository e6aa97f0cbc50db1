package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"winglink/consoleman"
	"winglink/engine"
	"winglink/wing"
)

// DiscoverTimeout bounds a discovery scan started over HTTP.
const DiscoverTimeout = 10 * time.Second

// ConsoleResponse is the JSON response for a managed console.
type ConsoleResponse struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Port     int    `json:"port,omitempty"`
	Enabled  bool   `json:"enabled"`
	Status   string `json:"status"`
	Session  string `json:"session,omitempty"`
	Selected int    `json:"selected"` // 0 mirrors every node
	Error    string `json:"error,omitempty"`
}

// EnumItem is one entry of an enum node.
type EnumItem struct {
	Item     string   `json:"item,omitempty"`
	Value    *float32 `json:"value,omitempty"`
	LongItem string   `json:"long_item,omitempty"`
}

// DefinitionResponse is the JSON form of a node definition.
type DefinitionResponse struct {
	ID           uint32     `json:"id"`
	Path         string     `json:"path,omitempty"`
	ParentID     uint32     `json:"parent_id"`
	Index        uint16     `json:"index"`
	Name         string     `json:"name"`
	LongName     string     `json:"long_name,omitempty"`
	Type         string     `json:"type"`
	Unit         string     `json:"unit"`
	ReadOnly     bool       `json:"read_only"`
	Min          *float64   `json:"min,omitempty"`
	Max          *float64   `json:"max,omitempty"`
	Steps        *uint32    `json:"steps,omitempty"`
	MaxStringLen *uint16    `json:"max_string_len,omitempty"`
	Enum         []EnumItem `json:"enum,omitempty"`
}

// NodeResponse is the JSON response for a single node.
type NodeResponse struct {
	Console    string              `json:"console"`
	ID         uint32              `json:"id"`
	Path       string              `json:"path"`
	Definition *DefinitionResponse `json:"definition,omitempty"`
	Value      interface{}         `json:"value"`
	String     *string             `json:"string,omitempty"`
	Float      *float32            `json:"float,omitempty"`
	Int        *int32              `json:"int,omitempty"`
	Updated    string              `json:"updated,omitempty"`
}

// SetRequest is the JSON body of a node set.
type SetRequest struct {
	Value interface{} `json:"value"`
}

// DirectoryResponse is one name/id pair.
type DirectoryResponse struct {
	Name string `json:"name"`
	ID   uint32 `json:"id"`
}

// handlers holds the API handler functions.
type handlers struct {
	engine *engine.Engine
	hub    *eventHub
}

// NewRouter creates the REST API router. The returned function releases the
// event stream subscriptions.
func NewRouter(eng *engine.Engine) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{engine: eng, hub: newEventHub()}
	cleanup := h.setupEvents()

	r.Use(basicAuth(eng.GetConfig()))

	r.Get("/consoles", h.handleListConsoles)
	r.Post("/consoles", h.handleCreateConsole)
	r.Route("/consoles/{console}", func(r chi.Router) {
		r.Get("/", h.handleConsoleDetails)
		r.Put("/", h.handleUpdateConsole)
		r.Delete("/", h.handleDeleteConsole)
		r.Post("/connect", h.handleConnectConsole)
		r.Post("/disconnect", h.handleDisconnectConsole)
		r.Get("/nodes", h.handleListNodes)
		r.Get("/nodes/{node}", h.handleGetNode)
		r.Put("/nodes/{node}", h.handleSetNode)
		r.Post("/nodes/{node}/refresh", h.handleRefreshNode)
	})

	r.Get("/discover", h.handleDiscover)
	r.Post("/discover/add", h.handleDiscoverAdd)
	r.Get("/directory/{name}", h.handleDirectoryName)
	r.Get("/directory/id/{id}", h.handleDirectoryID)

	r.Route("/mqtt", func(r chi.Router) {
		r.Post("/", h.handleCreateMQTT)
		r.Put("/{name}", h.handleUpdateMQTT)
		r.Delete("/{name}", h.handleDeleteMQTT)
		r.Post("/{name}/start", h.handleStartMQTT)
		r.Post("/{name}/stop", h.handleStopMQTT)
	})
	r.Route("/valkey", func(r chi.Router) {
		r.Post("/", h.handleCreateValkey)
		r.Put("/{name}", h.handleUpdateValkey)
		r.Delete("/{name}", h.handleDeleteValkey)
		r.Post("/{name}/start", h.handleStartValkey)
		r.Post("/{name}/stop", h.handleStopValkey)
	})
	r.Route("/kafka", func(r chi.Router) {
		r.Post("/", h.handleCreateKafka)
		r.Put("/{name}", h.handleUpdateKafka)
		r.Delete("/{name}", h.handleDeleteKafka)
		r.Post("/{name}/connect", h.handleConnectKafka)
		r.Post("/{name}/disconnect", h.handleDisconnectKafka)
	})
	r.Post("/publish", h.handleForcePublish)

	r.Get("/events", h.handleSSE)
	r.Get("/ws", h.handleWS)

	return r, cleanup
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps engine sentinel errors to HTTP status codes.
func (h *handlers) writeEngineError(w http.ResponseWriter, err error) {
	h.writeError(w, engine.EngineHTTPStatus(err), err.Error())
}

func pathParam(r *http.Request, key string) string {
	v, err := url.PathUnescape(chi.URLParam(r, key))
	if err != nil {
		return chi.URLParam(r, key)
	}
	return v
}

func consoleResponse(c *consoleman.ManagedConsole) ConsoleResponse {
	cfg := c.Settings()
	resp := ConsoleResponse{
		Name:    cfg.Name,
		Address: cfg.Address,
		Port:    cfg.Port,
		Enabled: cfg.Enabled,
		Status:  c.GetStatus().String(),
		Session: c.SessionID(),
	}
	for _, n := range cfg.Nodes {
		if n.Enabled {
			resp.Selected++
		}
	}
	if err := c.GetError(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (h *handlers) handleListConsoles(w http.ResponseWriter, r *http.Request) {
	consoles := h.engine.GetConsoleMgr().ListConsoles()
	response := make([]ConsoleResponse, 0, len(consoles))
	for _, c := range consoles {
		response = append(response, consoleResponse(c))
	}
	sort.Slice(response, func(i, j int) bool { return response[i].Name < response[j].Name })
	h.writeJSON(w, response)
}

func (h *handlers) handleConsoleDetails(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "console")
	c := h.engine.GetConsoleMgr().GetConsole(name)
	if c == nil {
		h.writeError(w, http.StatusNotFound, "console not found")
		return
	}
	h.writeJSON(w, consoleResponse(c))
}

func floatPtr(f float32) *float64 {
	v := float64(f)
	return &v
}

func definitionResponse(def *wing.NodeDefinition) *DefinitionResponse {
	if def == nil {
		return nil
	}
	resp := &DefinitionResponse{
		ID:       def.ID,
		ParentID: def.ParentID,
		Index:    def.Index,
		Name:     def.Name,
		LongName: def.LongName,
		Type:     def.Type.String(),
		Unit:     def.Unit.String(),
		ReadOnly: def.ReadOnly,
	}
	if path, err := wing.IDToName(def.ID); err == nil {
		resp.Path = path
	}
	if v, ok := def.MinFloat(); ok {
		resp.Min = floatPtr(v)
	}
	if v, ok := def.MaxFloat(); ok {
		resp.Max = floatPtr(v)
	}
	if v, ok := def.MinInt(); ok {
		f := float64(v)
		resp.Min = &f
	}
	if v, ok := def.MaxInt(); ok {
		f := float64(v)
		resp.Max = &f
	}
	if v, ok := def.Steps(); ok {
		resp.Steps = &v
	}
	if v, ok := def.MaxStringLen(); ok {
		resp.MaxStringLen = &v
	}
	for i := 0; i < def.StringEnumCount(); i++ {
		if item, err := def.StringEnumItem(i); err == nil {
			resp.Enum = append(resp.Enum, EnumItem{Item: item.Item, LongItem: item.LongItem})
		}
	}
	for i := 0; i < def.FloatEnumCount(); i++ {
		if item, err := def.FloatEnumItem(i); err == nil {
			v := item.Value
			resp.Enum = append(resp.Enum, EnumItem{Value: &v, LongItem: item.LongItem})
		}
	}
	return resp
}

func (h *handlers) handleListNodes(w http.ResponseWriter, r *http.Request) {
	console := pathParam(r, "console")
	defs, err := h.engine.Definitions(console)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	response := make([]*DefinitionResponse, 0, len(defs))
	for _, def := range defs {
		response = append(response, definitionResponse(def))
	}
	sort.Slice(response, func(i, j int) bool { return response[i].ID < response[j].ID })
	h.writeJSON(w, response)
}

func (h *handlers) handleGetNode(w http.ResponseWriter, r *http.Request) {
	console := pathParam(r, "console")
	node := pathParam(r, "node")

	def, v, err := h.engine.Node(console, node)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	resp := NodeResponse{
		Console:    console,
		ID:         v.ID,
		Path:       v.Name,
		Definition: definitionResponse(def),
		Value:      v.GoValue(),
	}
	if def != nil {
		resp.ID = def.ID
	}
	if v.Data.HasString() {
		s := v.Data.StringValue()
		resp.String = &s
	}
	if v.Data.HasFloat() {
		f := v.Data.FloatValue()
		resp.Float = &f
	}
	if v.Data.HasInt() {
		i := v.Data.IntValue()
		resp.Int = &i
	}
	if !v.Updated.IsZero() {
		resp.Updated = v.Updated.UTC().Format(time.RFC3339Nano)
	}
	h.writeJSON(w, resp)
}

func (h *handlers) handleSetNode(w http.ResponseWriter, r *http.Request) {
	console := pathParam(r, "console")
	node := pathParam(r, "node")

	var req SetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Value == nil {
		h.writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	if err := h.engine.SetNode(console, node, req.Value); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]interface{}{"console": console, "node": node, "value": req.Value, "success": true})
}

func (h *handlers) handleRefreshNode(w http.ResponseWriter, r *http.Request) {
	console := pathParam(r, "console")
	node := pathParam(r, "node")
	if err := h.engine.RefreshNode(console, node); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	h.writeJSON(w, map[string]string{"status": "requested"})
}

func (h *handlers) discover(w http.ResponseWriter, r *http.Request) ([]wing.DiscoveryRecord, bool) {
	max := 0
	if s := r.URL.Query().Get("max"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid max")
			return nil, false
		}
		max = n
	}
	first := false
	if s := r.URL.Query().Get("first"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid first")
			return nil, false
		}
		first = b
	}

	ctx, cancel := context.WithTimeout(r.Context(), DiscoverTimeout)
	defer cancel()
	records, err := h.engine.Discover(ctx, max, first)
	if err != nil {
		h.writeEngineError(w, err)
		return nil, false
	}
	return records, true
}

func (h *handlers) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if records, ok := h.discover(w, r); ok {
		h.writeJSON(w, records)
	}
}

func (h *handlers) handleDiscoverAdd(w http.ResponseWriter, r *http.Request) {
	records, ok := h.discover(w, r)
	if !ok {
		return
	}
	added := h.engine.AddDiscovered(records)
	h.writeJSON(w, map[string]interface{}{"found": len(records), "added": added})
}

func (h *handlers) handleDirectoryName(w http.ResponseWriter, r *http.Request) {
	// Directory names carry slashes; a leading one is optional in the URL.
	name := pathParam(r, "name")
	if name != "" && name[0] != '/' {
		name = "/" + name
	}
	id, err := wing.NameToID(name)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, DirectoryResponse{Name: name, ID: id})
}

func (h *handlers) handleDirectoryID(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	name, err := wing.IDToName(uint32(n))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, DirectoryResponse{Name: name, ID: uint32(n)})
}
