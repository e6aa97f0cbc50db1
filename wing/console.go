package wing

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"winglink/logging"
)

const (
	defaultPollInterval     = 50 * time.Millisecond
	defaultHandshakeTimeout = 3 * time.Second
	defaultWriteTimeout     = 2 * time.Second
)

var (
	debugWing = logging.Register("wing", "wing/tx", "discovery")
	debugTX   = logging.Register("wing/tx")
)

type options struct {
	port             int
	dialer           Dialer
	poll             time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
}

// Option configures Connect.
type Option func(*options)

// WithPort overrides the TCP port (default 2222).
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// WithDialer replaces the TCP transport, e.g. with an in-memory one.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithPollInterval sets how long one Read waits for inbound bytes.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.poll = d }
}

// WithHandshakeTimeout bounds dialing plus the handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// Console is one live session with a console.
//
// Read (or Run) pumps inbound frames and invokes callbacks on the calling
// goroutine, in arrival order. Set and request methods may be called from any
// goroutine and never wait for replies. Close may be called at any time,
// including from within a callback.
type Console struct {
	id   string
	addr string
	conn Conn

	dec *Decoder
	reg *registry

	cbMu   sync.RWMutex
	onEnd  RequestEndFunc
	endCtx interface{}
	onDef  NodeDefinitionFunc
	defCtx interface{}
	onData NodeDataFunc
	datCtx interface{}

	readMu    sync.Mutex
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	framesIn     atomic.Uint64
	decodeErrors atomic.Uint64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	skippedBytes atomic.Uint64
}

// Connect dials the console at ip and performs the handshake. On failure it
// returns a *ConnectionError and no session.
func Connect(ctx context.Context, ip string, opts ...Option) (*Console, error) {
	o := options{
		port:             DefaultTCPPort,
		poll:             defaultPollInterval,
		handshakeTimeout: defaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = DialTCP(o.poll, o.writeTimeout)
	}

	// Name lookups must work for every session.
	if err := EnsureDirectory(); err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(o.port))
	debugWing.Log("CONNECT to %s", addr)

	hctx, cancel := context.WithTimeout(ctx, o.handshakeTimeout)
	defer cancel()

	conn, err := o.dialer(hctx, addr)
	if err != nil {
		cerr := &ConnectionError{Addr: addr, Op: "dial", Err: err}
		debugWing.Log("CONNECT FAILED to %s: %v", addr, cerr)
		return nil, cerr
	}

	c := &Console{
		id:   uuid.New().String(),
		addr: addr,
		conn: conn,
		dec:  NewDecoder(),
		reg:  newRegistry(),
	}

	if err := c.handshake(hctx); err != nil {
		conn.Close()
		cerr := &ConnectionError{Addr: addr, Op: "handshake", Err: err}
		debugWing.Log("CONNECT FAILED to %s: %v", addr, cerr)
		return nil, cerr
	}

	debugWing.Log("CONNECTED to %s - session %s", addr, c.id)
	return c, nil
}

// handshake selects the native channel and waits for the console to answer
// with a channel select of its own.
func (c *Console) handshake(ctx context.Context) error {
	hello := encodeHandshake()
	debugTX.TX(hello)
	if err := c.conn.Send(hello); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	c.bytesOut.Add(uint64(len(hello)))

	var reply []byte
	for len(reply) < 2 {
		if err := ctx.Err(); err != nil {
			if len(reply) == 0 {
				return fmt.Errorf("no reply: %w", err)
			}
			return fmt.Errorf("short reply % X: %w", reply, err)
		}
		chunk, err := c.conn.TryReceive()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		reply = append(reply, chunk...)
	}
	debugWing.RX(reply)

	if reply[0] != escByte || reply[1] < chanSelectMin || reply[1] > chanSelectMax {
		return fmt.Errorf("malformed reply % X", reply[:2])
	}
	c.feed(reply)
	return nil
}

// feed hands inbound bytes to the decoder. Callers hold readMu or own the
// session exclusively.
func (c *Console) feed(chunk []byte) {
	c.bytesIn.Add(uint64(len(chunk)))
	before := c.dec.Skipped()
	c.dec.Feed(chunk)
	c.skippedBytes.Add(uint64(c.dec.Skipped() - before))
}

// SessionID returns a unique identifier for this session.
func (c *Console) SessionID() string { return c.id }

// Addr returns the console's "host:port".
func (c *Console) Addr() string { return c.addr }

// IsClosed reports whether Close has been called.
func (c *Console) IsClosed() bool { return c.closed.Load() }

// Close destroys the session: the transport is released, cached
// definitions and data are discarded and no further callbacks fire. A
// callback already running when Close is called completes normally.
func (c *Console) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		c.reg.seal()

		c.cbMu.Lock()
		c.onEnd, c.onDef, c.onData = nil, nil, nil
		c.endCtx, c.defCtx, c.datCtx = nil, nil, nil
		c.cbMu.Unlock()

		debugWing.Log("DISCONNECT from %s: closed by owner", c.addr)
	})
	return err
}

// Read pumps one unit of inbound work: it waits up to the poll interval for
// bytes, decodes every complete frame and dispatches the resulting events.
// Malformed frames are logged and skipped. It returns ErrClosed after Close
// and a *ConnectionError when the link fails.
func (c *Console) Read() error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}

	chunk, err := c.conn.TryReceive()
	if err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return &ConnectionError{Addr: c.addr, Op: "read", Err: err}
	}
	if len(chunk) > 0 {
		debugWing.RX(chunk)
		c.feed(chunk)
	}
	c.drain()
	return nil
}

// Run calls Read until ctx is done, the session is closed or the link fails.
func (c *Console) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Read(); err != nil {
			return err
		}
	}
}

func (c *Console) drain() {
	for {
		ev, err := c.dec.Next()
		if err != nil {
			c.decodeErrors.Add(1)
			debugWing.Error("decode "+c.addr, err)
			continue
		}
		if ev == nil {
			return
		}
		c.framesIn.Add(1)
		c.dispatch(ev)
	}
}

func (c *Console) send(frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	debugTX.TX(frame)
	if err := c.conn.Send(frame); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return &ConnectionError{Addr: c.addr, Op: "write", Err: err}
	}
	c.bytesOut.Add(uint64(len(frame)))
	return nil
}

// SetString sets a string value on node id.
func (c *Console) SetString(id uint32, value string) error {
	frame, err := EncodeSetString(id, value)
	if err != nil {
		return err
	}
	return c.send(frame)
}

// SetFloat sets a float value on node id.
func (c *Console) SetFloat(id uint32, value float32) error {
	return c.send(EncodeSetFloat(id, value))
}

// SetInt sets an int value on node id.
func (c *Console) SetInt(id uint32, value int32) error {
	return c.send(EncodeSetInt(id, value))
}

// RequestNodeDefinition asks for the definition of id. The console answers
// with zero or more definitions followed by a request end.
func (c *Console) RequestNodeDefinition(id uint32) error {
	return c.send(EncodeRequestDefinition(id))
}

// RequestNodeData asks for the value of id. The console answers with zero or
// more values followed by a request end.
func (c *Console) RequestNodeData(id uint32) error {
	return c.send(EncodeRequestData(id))
}

// Keepalive re-selects the native channel so the console keeps the link.
func (c *Console) Keepalive() error {
	return c.send(encodeKeepalive())
}

// Definition returns the cached definition of id.
func (c *Console) Definition(id uint32) (*NodeDefinition, bool) {
	return c.reg.definition(id)
}

// Data returns the cached value snapshot of id.
func (c *Console) Data(id uint32) (*NodeData, bool) {
	return c.reg.nodeData(id)
}

// Definitions returns every cached definition, ordered by parent and index.
func (c *Console) Definitions() []*NodeDefinition {
	return c.reg.definitions()
}

// Stats is a point-in-time view of session counters.
type Stats struct {
	FramesIn     uint64
	DecodeErrors uint64
	BytesIn      uint64
	BytesOut     uint64
	SkippedBytes int
	Definitions  int
	DataEntries  int
}

// Stats returns the session counters. It does not wait for a Read in progress.
func (c *Console) Stats() Stats {
	defs, data := c.reg.counts()
	return Stats{
		FramesIn:     c.framesIn.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		BytesIn:      c.bytesIn.Load(),
		BytesOut:     c.bytesOut.Load(),
		SkippedBytes: int(c.skippedBytes.Load()),
		Definitions:  defs,
		DataEntries:  data,
	}
}
