package wing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// Conn is the stream transport a Console runs on.
type Conn interface {
	// Send writes one complete frame.
	Send(b []byte) error
	// TryReceive returns the bytes that arrived within the poll window, or
	// (nil, nil) if none did.
	TryReceive() ([]byte, error)
	Close() error
}

// BroadcastConn is the datagram transport discovery runs on.
type BroadcastConn interface {
	SendBroadcast(b []byte) error
	// TryReceiveFrom returns the source address and payload of one datagram,
	// or ("", nil, nil) if none arrived within the poll window.
	TryReceiveFrom() (string, []byte, error)
	Close() error
}

// Dialer opens a Conn to addr ("host:port").
type Dialer func(ctx context.Context, addr string) (Conn, error)

// tcpConn is the default Conn over TCP.
type tcpConn struct {
	conn    net.Conn
	poll    time.Duration
	timeout time.Duration
	buf     []byte

	writeMu sync.Mutex
}

// DialTCP returns a Dialer producing TCP connections that poll reads for at
// most poll and give writes up to timeout.
func DialTCP(poll, timeout time.Duration) Dialer {
	return func(ctx context.Context, addr string) (Conn, error) {
		d := net.Dialer{Timeout: timeout}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if tc, ok := c.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		return &tcpConn{
			conn:    c,
			poll:    poll,
			timeout: timeout,
			buf:     make([]byte, 4096),
		}, nil
	}
}

func (c *tcpConn) Send(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err := c.conn.Write(b)
	return err
}

func (c *tcpConn) TryReceive() ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.poll))
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, c.buf[:n])
		return out, nil
	}
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	return nil, nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// udpBroadcast is the default BroadcastConn.
type udpBroadcast struct {
	conn net.PacketConn
	dest *net.UDPAddr
	poll time.Duration
	buf  []byte
}

// BroadcastFactory opens a BroadcastConn aimed at addr ("host:port").
type BroadcastFactory func(addr string) (BroadcastConn, error)

// ListenUDPBroadcast is the default BroadcastFactory.
func ListenUDPBroadcast(poll time.Duration) BroadcastFactory {
	return func(addr string) (BroadcastConn, error) {
		dest, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", addr, err)
		}
		// The runtime enables SO_BROADCAST on datagram sockets.
		conn, err := net.ListenPacket("udp4", ":0")
		if err != nil {
			return nil, err
		}
		return &udpBroadcast{conn: conn, dest: dest, poll: poll, buf: make([]byte, 1024)}, nil
	}
}

func (u *udpBroadcast) SendBroadcast(b []byte) error {
	_, err := u.conn.WriteTo(b, u.dest)
	return err
}

func (u *udpBroadcast) TryReceiveFrom() (string, []byte, error) {
	u.conn.SetReadDeadline(time.Now().Add(u.poll))
	n, src, err := u.conn.ReadFrom(u.buf)
	if err != nil {
		if isTimeout(err) {
			return "", nil, nil
		}
		return "", nil, err
	}
	out := make([]byte, n)
	copy(out, u.buf[:n])
	host := src.String()
	if ua, ok := src.(*net.UDPAddr); ok {
		host = ua.IP.String()
	}
	return host, out, nil
}

func (u *udpBroadcast) Close() error {
	return u.conn.Close()
}
