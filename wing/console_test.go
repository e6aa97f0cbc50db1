package wing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory console link. Chunks pushed with push are returned
// one per TryReceive.
type fakeConn struct {
	mu     sync.Mutex
	rx     [][]byte
	sent   [][]byte
	reply  []byte
	err    error
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{reply: channelSelect(NativeChannel)}
}

func (f *fakeConn) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return net.ErrClosed
	}
	f.sent = append(f.sent, append([]byte(nil), b...))
	if f.reply != nil && bytes.Equal(b, encodeHandshake()) {
		f.rx = append(f.rx, f.reply)
	}
	return nil
}

func (f *fakeConn) TryReceive() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, net.ErrClosed
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.rx) == 0 {
		return nil, nil
	}
	c := f.rx[0]
	f.rx = f.rx[1:]
	return c, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) push(chunks ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx = append(f.rx, chunks...)
}

func (f *fakeConn) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func connectFake(t *testing.T, conn *fakeConn) *Console {
	t.Helper()
	c, err := Connect(context.Background(), "127.0.0.1",
		WithDialer(func(ctx context.Context, addr string) (Conn, error) { return conn, nil }),
		WithHandshakeTimeout(time.Second))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// readAll pumps until the fake link has no queued chunks left.
func readAll(t *testing.T, c *Console, conn *fakeConn) {
	t.Helper()
	for i := 0; i < 100; i++ {
		conn.mu.Lock()
		empty := len(conn.rx) == 0
		conn.mu.Unlock()
		if empty {
			return
		}
		if err := c.Read(); err != nil {
			t.Fatalf("read failed: %v", err)
		}
	}
	t.Fatal("link never drained")
}

func TestConnect(t *testing.T) {
	conn := newFakeConn()
	c := connectFake(t, conn)

	if c.SessionID() == "" {
		t.Error("expected session id")
	}
	if c.Addr() != "127.0.0.1:2222" {
		t.Errorf("expected default port, got %s", c.Addr())
	}
	if !bytes.Equal(conn.sent[0], []byte{0xDF, 0xD1, 0xDA, 0xDC}) {
		t.Errorf("unexpected handshake % X", conn.sent[0])
	}
}

func TestConnect_Failures(t *testing.T) {
	tests := []struct {
		name   string
		dialer Dialer
		op     string
	}{
		{
			name: "dial refused",
			dialer: func(ctx context.Context, addr string) (Conn, error) {
				return nil, errors.New("connection refused")
			},
			op: "dial",
		},
		{
			name: "malformed reply",
			dialer: func(ctx context.Context, addr string) (Conn, error) {
				c := newFakeConn()
				c.reply = []byte{0x01, 0x02, 0x03}
				return c, nil
			},
			op: "handshake",
		},
		{
			name: "escape without channel",
			dialer: func(ctx context.Context, addr string) (Conn, error) {
				c := newFakeConn()
				c.reply = []byte{0xDF, 0xDE}
				return c, nil
			},
			op: "handshake",
		},
		{
			name: "no reply",
			dialer: func(ctx context.Context, addr string) (Conn, error) {
				c := newFakeConn()
				c.reply = nil
				return c, nil
			},
			op: "handshake",
		},
		{
			name: "link drops",
			dialer: func(ctx context.Context, addr string) (Conn, error) {
				c := newFakeConn()
				c.reply = nil
				c.err = io.EOF
				return c, nil
			},
			op: "handshake",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Connect(context.Background(), "10.0.0.9",
				WithDialer(tt.dialer), WithHandshakeTimeout(100*time.Millisecond))
			if c != nil {
				t.Fatal("expected no session")
			}
			if !errors.Is(err, ErrConnection) {
				t.Fatalf("expected ErrConnection, got %v", err)
			}
			var ce *ConnectionError
			if !errors.As(err, &ce) || ce.Op != tt.op {
				t.Errorf("expected op %q, got %#v", tt.op, err)
			}
		})
	}
}

func TestConnect_NoListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	start := time.Now()
	_, err = Connect(context.Background(), "127.0.0.1", WithPort(port), WithHandshakeTimeout(500*time.Millisecond))
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("connect took %v", time.Since(start))
	}
}

func TestConnect_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	defer ln.Close()

	go func() {
		s, err := ln.Accept()
		if err != nil {
			return
		}
		defer s.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(s, buf); err != nil {
			return
		}
		s.Write(channelSelect(NativeChannel))
		s.Write(FrameNative(EncodeDataReply(1001, FloatData(0.75)), EncodeRequestEnd()))
		io.Copy(io.Discard, s)
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	c, err := Connect(context.Background(), "127.0.0.1", WithPort(port))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	ended := make(chan struct{}, 1)
	c.OnRequestEnd(func(interface{}) { ended <- struct{}{} }, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	select {
	case <-ended:
	case <-ctx.Done():
		t.Fatal("request end never arrived")
	}
	d, ok := c.Data(1001)
	if !ok || d.FloatValue() != 0.75 {
		t.Errorf("expected cached 0.75, got %v %v", d, ok)
	}
}

func TestConsole_SetFloatEcho(t *testing.T) {
	conn := newFakeConn()
	c := connectFake(t, conn)

	if err := c.SetFloat(1001, 0.75); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if !bytes.Equal(conn.lastSent(), EncodeSetFloat(1001, 0.75)) {
		t.Errorf("unexpected frame % X", conn.lastSent())
	}
	if err := c.RequestNodeData(1001); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	conn.push(FrameNative(EncodeDataReply(1001, FloatData(0.75)), EncodeRequestEnd()))
	readAll(t, c, conn)

	d, ok := c.Data(1001)
	if !ok {
		t.Fatal("expected cached data")
	}
	if !d.HasFloat() || d.FloatValue() != 0.75 {
		t.Errorf("expected float 0.75, got %v", d)
	}
	if d.HasString() || d.HasInt() {
		t.Errorf("unexpected channels present: %v", d)
	}
}

func TestConsole_Ordering(t *testing.T) {
	conn := newFakeConn()
	c := connectFake(t, conn)

	var log []string
	c.OnNodeData(func(id uint32, d *NodeData, ctx interface{}) {
		log = append(log, fmt.Sprintf("%s %d %d", ctx, id, d.IntValue()))
	}, "data")
	c.OnRequestEnd(func(ctx interface{}) {
		log = append(log, fmt.Sprint(ctx))
	}, "end")

	conn.push(FrameNative(
		EncodeDataReply(5, IntData(1)),
		EncodeDataReply(5, IntData(2)),
		EncodeRequestEnd(),
	))
	readAll(t, c, conn)

	want := []string{"data 5 1", "data 5 2", "end"}
	if fmt.Sprint(log) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", log, want)
	}
}

func TestConsole_RequestEndAcrossChunks(t *testing.T) {
	conn := newFakeConn()
	c := connectFake(t, conn)

	ends := 0
	c.OnRequestEnd(func(interface{}) { ends++ }, nil)

	wire := FrameNative(EncodeDataReply(9, StringData("Lead Vox")), EncodeRequestEnd())
	for i := range wire {
		conn.push(wire[i : i+1])
	}
	readAll(t, c, conn)

	if ends != 1 {
		t.Errorf("expected one request end, got %d", ends)
	}
}

func TestConsole_PresenceIndependent(t *testing.T) {
	conn := newFakeConn()
	c := connectFake(t, conn)

	conn.push(FrameNative(EncodeDataReply(42, FloatData(-6))))
	readAll(t, c, conn)
	d, _ := c.Data(42)
	if !d.HasFloat() || d.HasString() || d.HasInt() {
		t.Fatalf("after float: %v", d)
	}

	conn.push(FrameNative(EncodeDataReply(42, StringData("-6.0"))))
	readAll(t, c, conn)
	d2, _ := c.Data(42)
	if !d2.HasFloat() || !d2.HasString() || d2.HasInt() {
		t.Fatalf("after string: %v", d2)
	}
	if d2.FloatValue() != -6 || d2.StringValue() != "-6.0" {
		t.Errorf("unexpected values: %v", d2)
	}

	// Earlier snapshot is unchanged.
	if d.HasString() {
		t.Error("previous snapshot was mutated")
	}

	if _, ok := c.Data(43); ok {
		t.Error("expected no data for unseen id")
	}
}

func TestConsole_DefinitionOverwrite(t *testing.T) {
	conn := newFakeConn()
	c := connectFake(t, conn)

	calls := 0
	c.OnNodeDefinition(func(def *NodeDefinition, ctx interface{}) { calls++ }, nil)

	c.RequestNodeDefinition(77)
	c.RequestNodeDefinition(77)

	first := NewDefinition(NodeDefinition{ID: 77, Name: "fdr", LongName: "Fader", Type: NodeTypeFaderLevel, Unit: UnitDB})
	second := NewDefinition(NodeDefinition{ID: 77, Name: "fdr", LongName: "Fader Level", Type: NodeTypeFaderLevel, Unit: UnitDB})
	conn.push(FrameNative(EncodeDefinition(first), EncodeRequestEnd()))
	conn.push(FrameNative(EncodeDefinition(second), EncodeRequestEnd()))
	readAll(t, c, conn)

	if calls != 2 {
		t.Errorf("expected 2 definition callbacks, got %d", calls)
	}
	defs := c.Definitions()
	if len(defs) != 1 {
		t.Fatalf("expected 1 cached definition, got %d", len(defs))
	}
	if defs[0].LongName != "Fader Level" {
		t.Errorf("expected latest definition, got %q", defs[0].LongName)
	}
	if _, ok := defs[0].MinFloat(); ok {
		t.Error("fader level has no float range")
	}
}

func TestConsole_InvalidTypeSkipped(t *testing.T) {
	conn := newFakeConn()
	c := connectFake(t, conn)

	var got []uint32
	c.OnNodeDefinition(func(def *NodeDefinition, ctx interface{}) { got = append(got, def.ID) }, nil)

	bad := rawDefinition(0, 500, 0, "mode", 99, 0, 0, []byte{0, 0})
	conn.push(FrameNative(bad))
	readAll(t, c, conn)

	if len(got) != 0 {
		t.Errorf("expected no callback, got %v", got)
	}
	if _, ok := c.Definition(500); ok {
		t.Error("bad definition was cached")
	}
	if c.Stats().DecodeErrors != 1 {
		t.Errorf("expected 1 decode error, got %d", c.Stats().DecodeErrors)
	}

	good := NewDefinition(NodeDefinition{ID: 501, Name: "mode", Type: NodeTypeStringEnum},
		WithStringEnum(StringEnumItem{"A", "Alpha"}))
	conn.push(FrameNative(EncodeDefinition(good)))
	readAll(t, c, conn)

	if len(got) != 1 || got[0] != 501 {
		t.Errorf("session unusable after bad frame: %v", got)
	}
	def, ok := c.Definition(501)
	if !ok {
		t.Fatal("expected cached definition")
	}
	if _, err := def.StringEnumItem(1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestConsole_CloseInsideCallback(t *testing.T) {
	conn := newFakeConn()
	c := connectFake(t, conn)

	calls := 0
	c.OnNodeData(func(id uint32, d *NodeData, ctx interface{}) {
		calls++
		c.Close()
	}, nil)
	ended := false
	c.OnRequestEnd(func(interface{}) { ended = true }, nil)

	conn.push(FrameNative(EncodeDataReply(1, IntData(1)), EncodeDataReply(2, IntData(2)), EncodeRequestEnd()))
	if err := c.Read(); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if calls != 1 {
		t.Errorf("expected 1 callback, got %d", calls)
	}
	if ended {
		t.Error("request end fired after close")
	}
	if _, ok := c.Data(1); ok {
		t.Error("registry not cleared")
	}
	if !conn.isClosed() {
		t.Error("transport not closed")
	}
	if err := c.Read(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := c.SetInt(1, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestConsole_CloseWhileRunning(t *testing.T) {
	conn := newFakeConn()
	c := connectFake(t, conn)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestConsole_ReadLinkFailure(t *testing.T) {
	conn := newFakeConn()
	c := connectFake(t, conn)

	conn.mu.Lock()
	conn.err = io.EOF
	conn.mu.Unlock()

	err := c.Read()
	if !errors.Is(err, ErrConnection) || !errors.Is(err, io.EOF) {
		t.Errorf("expected connection error wrapping EOF, got %v", err)
	}
}

func TestConsole_RunStopsOnContext(t *testing.T) {
	conn := newFakeConn()
	c := connectFake(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestConsole_Commands(t *testing.T) {
	conn := newFakeConn()
	c := connectFake(t, conn)

	tests := []struct {
		name string
		run  func() error
		want []byte
	}{
		{"set int", func() error { return c.SetInt(3, 12) }, EncodeSetInt(3, 12)},
		{"set string", func() error { return c.SetString(3, "Drums") }, mustFrame(EncodeSetString(3, "Drums"))},
		{"request definition", func() error { return c.RequestNodeDefinition(3) }, EncodeRequestDefinition(3)},
		{"keepalive", c.Keepalive, []byte{0xDF, 0xD1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(conn.lastSent(), tt.want) {
				t.Errorf("sent % X, want % X", conn.lastSent(), tt.want)
			}
		})
	}

	if err := c.SetString(3, string(make([]byte, 300))); !errors.Is(err, ErrValueTooLong) {
		t.Errorf("expected ErrValueTooLong, got %v", err)
	}
}

func TestConsole_HandshakeTrailingBytes(t *testing.T) {
	conn := newFakeConn()
	conn.reply = FrameNative(EncodeDataReply(0, StringData("WING")))
	c := connectFake(t, conn)

	if err := c.Read(); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	d, ok := c.Data(0)
	if !ok || d.StringValue() != "WING" {
		t.Errorf("expected root data from handshake reply, got %v %v", d, ok)
	}
}

func mustFrame(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return b
}

func TestConsole_StatsDuringRead(t *testing.T) {
	conn := newFakeConn()
	c := connectFake(t, conn)

	conn.push([]byte{0xDF, 0xD2, 0x10, 0x20, 0x30}, FrameNative(EncodeDataReply(3, IntData(9))))
	readAll(t, c, conn)

	// A Read blocked in the link must not hold up Stats.
	c.readMu.Lock()
	defer c.readMu.Unlock()
	got := make(chan Stats, 1)
	go func() { got <- c.Stats() }()
	select {
	case st := <-got:
		if st.SkippedBytes != 3 {
			t.Errorf("expected 3 skipped bytes, got %d", st.SkippedBytes)
		}
		if st.DataEntries != 1 {
			t.Errorf("expected 1 data entry, got %d", st.DataEntries)
		}
	case <-time.After(time.Second):
		t.Fatal("Stats blocked behind the read lock")
	}
}
