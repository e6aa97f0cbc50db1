package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"winglink/config"
)

type setCall struct {
	key string
	ttl time.Duration
	val []byte
}

type pubCall struct {
	channel string
	msg     []byte
}

// fakeClient is an in-memory stand-in for *redis.Client.
type fakeClient struct {
	mu      sync.Mutex
	pingErr error
	sets    []setCall
	pubs    []pubCall
	queue   chan string
	closed  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{queue: make(chan string, 16)}
}

func (c *fakeClient) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", c.pingErr)
}

func (c *fakeClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets = append(c.sets, setCall{key: key, ttl: ttl, val: value.([]byte)})
	return redis.NewStatusResult("OK", nil)
}

func (c *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubs = append(c.pubs, pubCall{channel: channel, msg: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func (c *fakeClient) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	select {
	case v := <-c.queue:
		return redis.NewStringSliceResult([]string{keys[0], v}, nil)
	case <-time.After(10 * time.Millisecond):
		return redis.NewStringSliceResult(nil, redis.Nil)
	case <-ctx.Done():
		return redis.NewStringSliceResult(nil, ctx.Err())
	}
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) published(channel string) []pubCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []pubCall
	for _, p := range c.pubs {
		if p.channel == channel {
			out = append(out, p)
		}
	}
	return out
}

func (c *fakeClient) stored() []setCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]setCall(nil), c.sets...)
}

func startFake(t *testing.T, cfg *config.ValkeyConfig) (*Publisher, *fakeClient) {
	t.Helper()
	client := newFakeClient()
	pub := NewPublisher(cfg, "wl")
	pub.SetClientFactory(func(*redis.Options) Client { return client })
	if err := pub.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { pub.Stop() })
	return pub, client
}

func TestPublisher_StartFailure(t *testing.T) {
	client := newFakeClient()
	client.pingErr = errors.New("connection refused")
	pub := NewPublisher(&config.ValkeyConfig{Name: "v", Address: "localhost:6379"}, "wl")
	pub.SetClientFactory(func(*redis.Options) Client { return client })

	if err := pub.Start(); err == nil {
		t.Fatal("expected error")
	}
	if pub.IsRunning() || !client.closed {
		t.Error("failed client should be closed and publisher stopped")
	}
}

func TestPublisher_Publish(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.ValkeyConfig
		wantKey  string
		wantPubs bool
	}{
		{"plain", config.ValkeyConfig{Name: "v"}, "wl:foh:nodes:ch.1.fdr", false},
		{"selector with changes", config.ValkeyConfig{Name: "v", Selector: "stage", PublishChanges: true, KeyTTL: time.Minute}, "wl:stage:foh:nodes:ch.1.fdr", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			pub, client := startFake(t, &cfg)

			if err := pub.Publish(NodeMessage{Console: "foh", Node: "/ch/1/fdr", ID: 7, Value: float32(-3), Unit: "dB"}); err != nil {
				t.Fatalf("publish: %v", err)
			}

			sets := client.stored()
			if len(sets) != 1 || sets[0].key != tt.wantKey || sets[0].ttl != cfg.KeyTTL {
				t.Fatalf("sets = %+v", sets)
			}
			var msg NodeMessage
			if err := json.Unmarshal(sets[0].val, &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if msg.Namespace != "wl" || msg.Value != float64(-3) || msg.Timestamp.IsZero() {
				t.Errorf("message = %+v", msg)
			}

			base := "wl"
			if cfg.Selector != "" {
				base += ":" + cfg.Selector
			}
			gotConsole := len(client.published(base+":foh:changes")) == 1
			gotAll := len(client.published(base+":_all:changes")) == 1
			if gotConsole != tt.wantPubs || gotAll != tt.wantPubs {
				t.Errorf("change channels published = %v/%v, want %v", gotConsole, gotAll, tt.wantPubs)
			}
		})
	}
}

func TestPublisher_PublishStatus(t *testing.T) {
	pub, client := startFake(t, &config.ValkeyConfig{Name: "v", KeyTTL: time.Minute})
	pub.PublishStatus(StatusMessage{Console: "foh", Online: true, Status: "Connected"})

	sets := client.stored()
	if len(sets) != 1 || sets[0].key != "wl:foh:status" || sets[0].ttl != 0 {
		t.Errorf("sets = %+v", sets)
	}
}

func TestPublisher_NotRunning(t *testing.T) {
	pub := NewPublisher(&config.ValkeyConfig{Name: "v"}, "wl")
	if err := pub.Publish(NodeMessage{Console: "foh", Node: "x"}); err != nil {
		t.Errorf("publish while stopped: %v", err)
	}
	if err := pub.Stop(); err != nil {
		t.Errorf("stop while stopped: %v", err)
	}
}

func TestPublisher_SetQueue(t *testing.T) {
	pub, client := startFake(t, &config.ValkeyConfig{Name: "v", EnableWriteback: true})

	var mu sync.Mutex
	var applied []string
	pub.SetWriteValidator(func(console, node string) bool { return node == "kick" })
	pub.SetWriteHandler(func(console, node string, value interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, console+"/"+node)
		return nil
	})

	requests := []struct {
		payload string
		success bool
		errText string
	}{
		{`{"console":"foh","node":"kick","value":0.5}`, true, ""},
		{`{"console":"foh","node":"/main/1/fdr","value":0}`, false, "node is not writable"},
		{`{"node":"kick"}`, false, "console and node are required"},
		{`not json`, false, "invalid JSON"},
	}

	for i, r := range requests {
		client.queue <- r.payload

		deadline := time.Now().Add(2 * time.Second)
		var responses []pubCall
		for time.Now().Before(deadline) {
			if responses = client.published("wl:set:responses"); len(responses) > i {
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
		if len(responses) <= i {
			t.Fatalf("no response for %s", r.payload)
		}

		var resp SetResponse
		json.Unmarshal(responses[i].msg, &resp)
		if resp.Success != r.success {
			t.Errorf("%s: success = %v (%s)", r.payload, resp.Success, resp.Error)
		}
		if r.errText != "" && (len(resp.Error) < len(r.errText) || resp.Error[:len(r.errText)] != r.errText) {
			t.Errorf("%s: error = %q", r.payload, resp.Error)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 1 || applied[0] != "foh/kick" {
		t.Errorf("applied = %v", applied)
	}
}

func TestManager(t *testing.T) {
	m := NewManager()
	clients := map[string]*fakeClient{}
	m.LoadFromConfig([]config.ValkeyConfig{
		{Name: "a", Enabled: true, Address: "a:6379"},
		{Name: "b", Address: "b:6379"},
	}, "wl")
	m.SetWriteValidator(func(console, node string) bool { return true })

	seeded := make(chan struct{}, 1)
	m.SetOnConnectCallback(func() { seeded <- struct{}{} })

	for _, pub := range m.List() {
		c := newFakeClient()
		clients[pub.Config().Name] = c
		pub.SetClientFactory(func(*redis.Options) Client { return c })
	}

	if n := m.StartAll(); n != 1 {
		t.Fatalf("started %d, want 1", n)
	}
	defer m.StopAll()

	select {
	case <-seeded:
	case <-time.After(time.Second):
		t.Error("on-connect callback not invoked")
	}

	m.Publish(NodeMessage{Console: "foh", Node: "kick", Value: 1})
	sets := clients["a"].stored()
	if len(sets) != 1 {
		t.Fatalf("sets = %+v", sets)
	}
	var msg NodeMessage
	json.Unmarshal(sets[0].val, &msg)
	if !msg.Writable {
		t.Error("writable flag not applied")
	}
	if len(clients["b"].stored()) != 0 {
		t.Error("disabled publisher stored a value")
	}

	if !m.Remove("a") || m.Remove("a") {
		t.Error("remove should succeed once")
	}
	if m.AnyRunning() {
		t.Error("no publisher should be running")
	}
}
