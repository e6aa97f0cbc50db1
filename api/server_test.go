package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"winglink/config"
	"winglink/consoleman"
	"winglink/consoleman/consoletest"
	"winglink/engine"
	"winglink/wing"
)

func mustID(t *testing.T, name string) uint32 {
	t.Helper()
	id, err := wing.NameToID(name)
	if err != nil {
		t.Fatalf("lookup %s: %v", name, err)
	}
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testServer struct {
	server   *Server
	engine   *engine.Engine
	consoles *consoletest.Consoles
}

// newTestServer starts an engine with one connected console "foh" whose
// fader is aliased "kick".
func newTestServer(t *testing.T, users ...config.WebUser) *testServer {
	t.Helper()
	fdr, mute := mustID(t, "/ch/1/fdr"), mustID(t, "/ch/1/mute")
	consoles := consoletest.NewConsoles(func(cfg *config.ConsoleConfig) *consoletest.Session {
		return consoletest.NewSession("session-"+cfg.Name,
			[]*wing.NodeDefinition{
				{ID: fdr, Name: "fdr", Type: wing.NodeTypeFaderLevel, Unit: wing.UnitDB},
				{ID: mute, Name: "mute", Type: wing.NodeTypeInteger},
			},
			map[uint32]wing.NodeData{
				fdr:  wing.FloatData(-10),
				mute: wing.IntData(0),
			})
	})

	cfg := config.DefaultConfig()
	cfg.Namespace = "wl"
	cfg.Reconnect = 20 * time.Millisecond
	cfg.Web.Host = "127.0.0.1"
	cfg.Web.Port = 0
	cfg.Web.Users = users
	cfg.Consoles = []config.ConsoleConfig{{
		Name:    "foh",
		Address: "192.168.1.50",
		Enabled: true,
		Nodes: []config.NodeSelection{
			{Name: "/ch/1/fdr", Alias: "kick", Enabled: true, Writable: true},
			{Name: "/ch/1/mute", Enabled: true},
		},
	}}

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: filepath.Join(t.TempDir(), "config.yaml"),
		Connect:    consoles.Connect,
	})
	eng.Start()
	t.Cleanup(eng.Stop)
	waitFor(t, "foh connected", func() bool {
		c := eng.GetConsoleMgr().GetConsole("foh")
		return c != nil && c.GetStatus() == consoleman.StatusConnected
	})
	waitFor(t, "fader value", func() bool {
		_, v, err := eng.Node("foh", "kick")
		return err == nil && v.Data.HasFloat()
	})

	s := NewServer(&cfg.Web, eng)
	t.Cleanup(func() { s.Stop() })
	return &testServer{server: s, engine: eng, consoles: consoles}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestNewServer(t *testing.T) {
	ts := newTestServer(t)
	if ts.server.IsRunning() {
		t.Error("server should not be running initially")
	}
	if got := ts.server.Address(); got != "http://127.0.0.1:0" {
		t.Errorf("Address() = %s", got)
	}
}

func TestServer_StartStop(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !ts.server.IsRunning() {
		t.Fatal("server should be running")
	}

	resp, err := http.Get(ts.server.Address() + "/api/consoles")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := ts.server.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ts.server.IsRunning() {
		t.Error("server should be stopped")
	}
}

func TestListConsoles(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/consoles", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var consoles []ConsoleResponse
	decode(t, rec, &consoles)
	if len(consoles) != 1 {
		t.Fatalf("got %d consoles", len(consoles))
	}
	c := consoles[0]
	if c.Name != "foh" || c.Status != "Connected" || c.Session != "session-foh" || c.Selected != 2 || !c.Enabled {
		t.Errorf("unexpected console %+v", c)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s", ct)
	}
}

func TestConsoleDetails(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		path string
		want int
	}{
		{"/api/consoles/foh", http.StatusOK},
		{"/api/consoles/mon", http.StatusNotFound},
		{"/api/consoles/mon/nodes", http.StatusNotFound},
		{"/api/consoles/foh/nodes/%2Fch%2F99%2Fnothing", http.StatusNotFound},
		{"/api/consoles/mon/nodes/kick", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if rec := ts.do(t, http.MethodGet, tt.path, ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestGetNode(t *testing.T) {
	ts := newTestServer(t)
	fdr := mustID(t, "/ch/1/fdr")

	for _, node := range []string{"kick", "%2Fch%2F1%2Ffdr", strconv.FormatUint(uint64(fdr), 10)} {
		t.Run(node, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/api/consoles/foh/nodes/"+node, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			var resp NodeResponse
			decode(t, rec, &resp)
			if resp.ID != fdr || resp.Path != "/ch/1/fdr" {
				t.Errorf("unexpected node %+v", resp)
			}
			if resp.Float == nil || *resp.Float != -10 {
				t.Errorf("float = %v", resp.Float)
			}
			if resp.Definition == nil || resp.Definition.Type != wing.NodeTypeFaderLevel.String() {
				t.Errorf("definition = %+v", resp.Definition)
			}
		})
	}
}

func TestListNodes(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/consoles/foh/nodes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var defs []DefinitionResponse
	decode(t, rec, &defs)
	if len(defs) != 2 {
		t.Fatalf("got %d definitions", len(defs))
	}
	if defs[0].ID > defs[1].ID {
		t.Error("definitions not sorted by id")
	}
}

func TestSetNode(t *testing.T) {
	ts := newTestServer(t)
	fdr := mustID(t, "/ch/1/fdr")

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"by alias", "/api/consoles/foh/nodes/kick", `{"value":0.5}`, http.StatusOK},
		{"missing value", "/api/consoles/foh/nodes/kick", `{}`, http.StatusBadRequest},
		{"bad json", "/api/consoles/foh/nodes/kick", `{`, http.StatusBadRequest},
		{"bad value", "/api/consoles/foh/nodes/kick", `{"value":"loud"}`, http.StatusBadRequest},
		{"unknown console", "/api/consoles/mon/nodes/kick", `{"value":1}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPut, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	got := ts.consoles.Get("foh").Sets()
	if len(got) != 1 || got[0] != fmt.Sprintf("float %d 0.5", fdr) {
		t.Errorf("sets = %v", got)
	}
}

func TestRefreshNode(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/api/consoles/foh/nodes/kick/refresh", ""); rec.Code != http.StatusAccepted {
		t.Errorf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestConsoleMutations(t *testing.T) {
	ts := newTestServer(t)

	steps := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"create", http.MethodPost, "/api/consoles", `{"name":"mon","address":"192.168.1.51"}`, http.StatusCreated},
		{"duplicate", http.MethodPost, "/api/consoles", `{"name":"mon","address":"192.168.1.52"}`, http.StatusConflict},
		{"missing address", http.MethodPost, "/api/consoles", `{"name":"x"}`, http.StatusBadRequest},
		{"update", http.MethodPut, "/api/consoles/mon", `{"address":"192.168.1.60"}`, http.StatusOK},
		{"disconnect", http.MethodPost, "/api/consoles/foh/disconnect", "", http.StatusOK},
		{"set while paused", http.MethodPut, "/api/consoles/foh/nodes/kick", `{"value":0.1}`, http.StatusServiceUnavailable},
		{"delete", http.MethodDelete, "/api/consoles/mon", "", http.StatusOK},
		{"delete again", http.MethodDelete, "/api/consoles/mon", "", http.StatusNotFound},
	}
	for _, s := range steps {
		rec := ts.do(t, s.method, s.path, s.body)
		if rec.Code != s.want {
			t.Fatalf("%s: status = %d, want %d: %s", s.name, rec.Code, s.want, rec.Body.String())
		}
	}
}

func TestDirectory(t *testing.T) {
	ts := newTestServer(t)
	fdr := mustID(t, "/ch/1/fdr")
	id := strconv.FormatUint(uint64(fdr), 10)

	tests := []struct {
		path     string
		want     int
		wantName string
	}{
		{"/api/directory/%2Fch%2F1%2Ffdr", http.StatusOK, "/ch/1/fdr"},
		{"/api/directory/ch%2F1%2Ffdr", http.StatusOK, "/ch/1/fdr"},
		{"/api/directory/%2Fno%2Fsuch", http.StatusNotFound, ""},
		{"/api/directory/id/" + id, http.StatusOK, "/ch/1/fdr"},
		{"/api/directory/id/abc", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.path, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.wantName == "" {
				return
			}
			var resp DirectoryResponse
			decode(t, rec, &resp)
			if resp.Name != tt.wantName || resp.ID != fdr {
				t.Errorf("got %+v", resp)
			}
		})
	}
}

func TestDiscover_BadQuery(t *testing.T) {
	ts := newTestServer(t)
	for _, q := range []string{"?max=abc", "?first=maybe", "?max=-1"} {
		t.Run(q, func(t *testing.T) {
			if rec := ts.do(t, http.MethodGet, "/api/discover"+q, ""); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d", rec.Code)
			}
		})
	}
}

func TestServiceMutations(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"mqtt missing broker", http.MethodPost, "/api/mqtt", `{"name":"m"}`, http.StatusBadRequest},
		{"mqtt unknown", http.MethodDelete, "/api/mqtt/none", "", http.StatusNotFound},
		{"mqtt start unknown", http.MethodPost, "/api/mqtt/none/start", "", http.StatusNotFound},
		{"valkey bad selector", http.MethodPost, "/api/valkey", `{"name":"v","address":"localhost:6379","selector":"a b"}`, http.StatusBadRequest},
		{"valkey unknown", http.MethodPut, "/api/valkey/none", `{"address":"x:1"}`, http.StatusNotFound},
		{"kafka unknown", http.MethodPost, "/api/kafka/none/connect", "", http.StatusNotFound},
		{"publish bad target", http.MethodPost, "/api/publish?to=pigeon", "", http.StatusBadRequest},
		{"publish all", http.MethodPost, "/api/publish", "", http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodOptions, "/api/consoles", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "PUT") {
		t.Errorf("Allow-Methods = %q", got)
	}
}

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func TestBasicAuth(t *testing.T) {
	ts := newTestServer(t,
		config.WebUser{Username: "admin", PasswordHash: hash(t, "secret"), Role: config.RoleAdmin},
		config.WebUser{Username: "view", PasswordHash: hash(t, "look"), Role: config.RoleViewer},
	)

	tests := []struct {
		name   string
		method string
		user   string
		pass   string
		want   int
	}{
		{"no credentials", http.MethodGet, "", "", http.StatusUnauthorized},
		{"wrong password", http.MethodGet, "admin", "nope", http.StatusUnauthorized},
		{"unknown user", http.MethodGet, "root", "secret", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "view", "look", http.StatusOK},
		{"viewer writes", http.MethodPut, "view", "look", http.StatusForbidden},
		{"admin writes", http.MethodPut, "admin", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/api/consoles/foh"
			var req *http.Request
			if tt.method == http.MethodPut {
				req = httptest.NewRequest(tt.method, path+"/nodes/kick", strings.NewReader(`{"value":0.25}`))
			} else {
				req = httptest.NewRequest(tt.method, path, nil)
			}
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			ts.server.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	if !checkPassword("pw", h) || checkPassword("other", h) {
		t.Error("hash does not verify")
	}
}

func TestStreamFilter(t *testing.T) {
	tests := []struct {
		query string
		event streamEvent
		want  bool
	}{
		{"", streamEvent{Type: eventNodeChange, Console: "foh", Node: "kick"}, true},
		{"types=node-set", streamEvent{Type: eventNodeChange}, false},
		{"types=node-set,node-change", streamEvent{Type: eventNodeChange}, true},
		{"console=foh", streamEvent{Type: eventNodeChange, Console: "mon"}, false},
		{"consoles=foh,mon", streamEvent{Type: eventNodeChange, Console: "mon"}, true},
		{"nodes=kick", streamEvent{Type: eventNodeChange, Console: "foh", Node: "snare"}, false},
		{"nodes=kick", streamEvent{Type: eventStatusChange, Console: "foh"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/events?"+tt.query, nil)
			if got := parseFilter(r).match(tt.event); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "gw:8080", true},
		{"http://gw:8080", "gw:8080", true},
		{"http://localhost:3000", "gw:8080", true},
		{"http://127.0.0.1:3000", "gw:8080", true},
		{"http://evil.example", "gw:8080", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSSE_NodeSet(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events?types=node-set&console=foh")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %s", ct)
	}

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	expectLine := func(prefix string) string {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed waiting for %q", prefix)
				}
				if strings.HasPrefix(l, prefix) {
					return l
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	expectLine("event: connected")
	if err := ts.engine.SetNode("foh", "kick", 0.5); err != nil {
		t.Fatalf("SetNode: %v", err)
	}
	expectLine("event: node-set")
	data := expectLine("data: ")

	var ev engine.NodeEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &ev); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	if ev.Console != "foh" || ev.Node != "kick" || ev.Value != 0.5 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestWebSocket_NodeChange(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?types=node-change&nodes=kick"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := ts.engine.SetNode("foh", "kick", 0.75); err != nil {
		t.Fatalf("SetNode: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg struct {
			Type    string           `json:"type"`
			Console string           `json:"console"`
			Node    string           `json:"node"`
			Data    engine.NodeEvent `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type != eventNodeChange || msg.Node != "kick" {
			t.Fatalf("filter let through %+v", msg)
		}
		if msg.Data.Value == 0.75 {
			if msg.Data.Path != "/ch/1/fdr" {
				t.Errorf("path = %s", msg.Data.Path)
			}
			return
		}
	}
}
