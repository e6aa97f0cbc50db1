package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"winglink/config"
)

// fakeWriter records every message written to one topic.
type fakeWriter struct {
	topic string
	sink  *sink
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	if w.sink.err != nil {
		return w.sink.err
	}
	for _, m := range msgs {
		m.Topic = w.topic
		w.sink.msgs = append(w.sink.msgs, m)
	}
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type sink struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (s *sink) onTopic(topic string) []kafka.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []kafka.Message
	for _, m := range s.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (s *sink) waitTopic(t *testing.T, topic string, n int) []kafka.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := s.onTopic(topic); len(msgs) >= n {
			return msgs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages on %s (got %d)", n, topic, len(s.onTopic(topic)))
	return nil
}

func fakeProducer(p *Producer, s *sink, probeErr error) {
	p.probe = func(ctx context.Context) error { return probeErr }
	p.newWriter = func(topic string) MessageWriter { return &fakeWriter{topic: topic, sink: s} }
}

func newTestManager() *Manager {
	return NewManager("wl")
}

// connectedManager returns a manager with one connected cluster writing to a sink.
func connectedManager(t *testing.T, cfg config.KafkaConfig) (*Manager, *sink) {
	t.Helper()
	m := newTestManager()
	m.AddCluster(&cfg)
	s := &sink{}
	fakeProducer(m.GetProducer(cfg.Name), s, nil)
	if err := m.Connect(cfg.Name); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(m.StopAll)
	return m, s
}

func TestManager_ChangeDetection(t *testing.T) {
	tests := []struct {
		name     string
		stored   interface{}
		cached   string
		key      string
		value    interface{}
		force    bool
		expected bool
	}{
		{"identical value", float32(-3), "c/foh/kick", "c/foh/kick", float32(-3), false, false},
		{"different value", float32(-3), "c/foh/kick", "c/foh/kick", float32(-2.5), false, true},
		{"force overrides", float32(-3), "c/foh/kick", "c/foh/kick", float32(-3), true, true},
		{"other cluster", float32(-3), "c/foh/kick", "d/foh/kick", float32(-3), false, true},
		{"string same", "Vocals", "c/foh/name", "c/foh/name", "Vocals", false, false},
		{"int to string", int32(1), "c/foh/kick", "c/foh/kick", "1", false, false},
		{"value to nil", int32(0), "c/foh/kick", "c/foh/kick", nil, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			defer m.StopAll()
			m.updateLastValue(tt.cached, tt.stored)
			if got := m.shouldPublish(tt.key, tt.value, tt.force); got != tt.expected {
				t.Errorf("shouldPublish = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestManager_Publish(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.KafkaConfig
		wantTopic string
	}{
		{"default topic", config.KafkaConfig{Name: "c"}, "wl-nodes"},
		{"selector", config.KafkaConfig{Name: "c", Selector: "stage"}, "wl-stage-nodes"},
		{"explicit topic", config.KafkaConfig{Name: "c", Topic: "mixer"}, "mixer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, s := connectedManager(t, tt.cfg)
			m.SetWriteValidator(func(console, node string) bool { return node == "kick" })

			m.Publish(NodeMessage{Console: "foh", Node: "kick", Path: "/ch/1/fdr", ID: 9, Value: float32(-3)}, false)
			msgs := s.waitTopic(t, tt.wantTopic, 1)

			if string(msgs[0].Key) != "foh/kick" {
				t.Errorf("key = %q", msgs[0].Key)
			}
			var got NodeMessage
			if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Namespace != "wl" || !got.Writable || got.Path != "/ch/1/fdr" || got.Timestamp == "" {
				t.Errorf("message = %+v", got)
			}
		})
	}
}

func TestManager_PublishSuppressesDuplicates(t *testing.T) {
	m, s := connectedManager(t, config.KafkaConfig{Name: "c"})

	m.Publish(NodeMessage{Console: "foh", Node: "/ch/1/fdr", Value: 1}, false)
	s.waitTopic(t, "wl-nodes", 1)
	waitCached(t, m, "c/foh//ch/1/fdr", 1)

	m.Publish(NodeMessage{Console: "foh", Node: "/ch/1/fdr", Value: 1}, false)
	m.Publish(NodeMessage{Console: "foh", Node: "/ch/1/fdr", Value: 2}, false)
	s.waitTopic(t, "wl-nodes", 2)
	waitCached(t, m, "c/foh//ch/1/fdr", 2)

	m.ClearLastValues()
	m.Publish(NodeMessage{Console: "foh", Node: "/ch/1/fdr", Value: 2}, false)
	msgs := s.waitTopic(t, "wl-nodes", 3)

	time.Sleep(20 * time.Millisecond)
	if n := len(s.onTopic("wl-nodes")); n != 3 {
		t.Errorf("produced %d messages, want 3 (%d seen earlier)", n, len(msgs))
	}
}

// waitCached waits until the worker has recorded value as last produced.
func waitCached(t *testing.T, m *Manager, key string, value interface{}) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !m.shouldPublish(key, value, false) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s never cached as %v", key, value)
}

func TestManager_PublishStatus(t *testing.T) {
	m, s := connectedManager(t, config.KafkaConfig{Name: "c"})

	m.PublishStatus(StatusMessage{Console: "foh", Online: true, Status: "Connected"})
	msgs := s.waitTopic(t, "wl.status", 1)

	var got StatusMessage
	json.Unmarshal(msgs[0].Value, &got)
	if got.Console != "foh" || !got.Online || got.Namespace != "wl" {
		t.Errorf("status = %+v", got)
	}
}

func TestManager_NotConnected(t *testing.T) {
	m := newTestManager()
	defer m.StopAll()
	cfg := config.KafkaConfig{Name: "c"}
	m.AddCluster(&cfg)
	s := &sink{}
	fakeProducer(m.GetProducer("c"), s, errors.New("dial tcp: refused"))

	if err := m.Connect("c"); err == nil {
		t.Fatal("expected connect error")
	}
	if status, err := m.GetClusterStatus("c"); status != StatusError || err == nil {
		t.Errorf("status = %v, %v", status, err)
	}
	if m.AnyPublishing() {
		t.Error("no cluster should be publishing")
	}

	m.Publish(NodeMessage{Console: "foh", Node: "x", Value: 1}, true)
	time.Sleep(20 * time.Millisecond)
	if len(s.onTopic("wl-nodes")) != 0 {
		t.Error("published through a failed cluster")
	}

	if err := m.Connect("missing"); err == nil {
		t.Error("expected error for unknown cluster")
	}
}

func TestManager_Clusters(t *testing.T) {
	m := newTestManager()
	defer m.StopAll()

	m.LoadFromConfig([]config.KafkaConfig{{Name: "b"}, {Name: "a"}, {Name: "a", Topic: "dup"}})
	names := m.ListClusters()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("clusters = %v", names)
	}
	if p := m.GetProducer("a"); p.Config().Topic != "" || p.Config().MaxRetries != 3 {
		t.Errorf("defaults not applied: %+v", p.Config())
	}

	m.RemoveCluster("a")
	if m.GetProducer("a") != nil {
		t.Error("cluster a not removed")
	}
}

type fakeReader struct {
	msgs    chan kafka.Message
	mu      sync.Mutex
	commits int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	r.commits += len(msgs)
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_Sets(t *testing.T) {
	cfg := config.KafkaConfig{Name: "c", EnableWriteback: true, WriteMaxAge: time.Minute}
	Defaults(&cfg)
	s := &sink{}
	p := NewProducer(&cfg)
	fakeProducer(p, s, nil)
	if err := p.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var mu sync.Mutex
	applied := map[string]interface{}{}
	c := NewConsumer(&cfg, p, "wl")
	c.SetWriteValidator(func(console, node string) bool { return node != "locked" })
	c.SetWriteHandler(func(console, node string, value interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		if node == "broken" {
			return errors.New("console offline")
		}
		applied[console+"/"+node] = value
		return nil
	})

	reader := &fakeReader{msgs: make(chan kafka.Message, 16)}
	c.newReader = func() MessageReader { return reader }
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	now := time.Now()
	for i, payload := range []string{
		`{"console":"foh","node":"kick","value":0.1}`,
		`{"console":"foh","node":"kick","value":0.7}`,
		`{"console":"foh","node":"locked","value":1}`,
		`{"console":"foh","node":"broken","value":1}`,
		`{"console":"foh","node":"old","value":1}`,
		`garbage`,
	} {
		ts := now
		if i == 4 {
			ts = now.Add(-time.Hour)
		}
		reader.msgs <- kafka.Message{Value: []byte(payload), Time: ts, Offset: int64(i)}
	}

	responses := s.waitTopic(t, "wl-sets.response", 5)
	c.Stop()

	byNode := map[string][]SetResponse{}
	for _, m := range responses {
		var r SetResponse
		json.Unmarshal(m.Value, &r)
		byNode[r.Node] = append(byNode[r.Node], r)
	}

	tests := []struct {
		node    string
		success bool
		flag    func(SetResponse) bool
	}{
		{"locked", false, nil},
		{"broken", false, nil},
		{"old", false, func(r SetResponse) bool { return r.Skipped }},
	}
	for _, tt := range tests {
		t.Run(tt.node, func(t *testing.T) {
			rs := byNode[tt.node]
			if len(rs) != 1 || rs[0].Success != tt.success || rs[0].Error == "" {
				t.Fatalf("responses = %+v", rs)
			}
			if tt.flag != nil && !tt.flag(rs[0]) {
				t.Errorf("flag not set: %+v", rs[0])
			}
		})
	}

	kicks := byNode["kick"]
	if len(kicks) != 2 {
		t.Fatalf("kick responses = %+v", kicks)
	}
	var dedup, ok int
	for _, r := range kicks {
		if r.Deduplicated {
			dedup++
		}
		if r.Success {
			ok++
		}
	}
	if dedup != 1 || ok != 1 {
		t.Errorf("kick responses = %+v", kicks)
	}

	mu.Lock()
	defer mu.Unlock()
	if v := applied["foh/kick"]; v != 0.7 {
		t.Errorf("applied kick = %v, want latest 0.7", v)
	}
	if len(applied) != 1 {
		t.Errorf("applied = %v", applied)
	}

	reader.mu.Lock()
	defer reader.mu.Unlock()
	if reader.commits != 6 {
		t.Errorf("commits = %d, want 6", reader.commits)
	}
}
