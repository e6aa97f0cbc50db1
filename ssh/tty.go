package ssh

import (
	"io"
	"sync"

	"github.com/gdamore/tcell/v2"
)

// channelTty lets tcell draw on an SSH session. The client's pty is already
// raw, so Start and Drain have nothing to do.
type channelTty struct {
	ch   io.ReadWriteCloser
	term string

	mu      sync.RWMutex
	width   int
	height  int
	stopped bool

	resizeMu sync.Mutex
	resizeCb func()
}

func newChannelTty(ch io.ReadWriteCloser, term string, width, height int) *channelTty {
	if term == "" {
		term = "xterm-256color"
	}
	return &channelTty{ch: ch, term: term, width: width, height: height}
}

func (t *channelTty) Term() string { return t.term }

func (t *channelTty) Start() error { return nil }

func (t *channelTty) Drain() error { return nil }

// Stop makes further reads return EOF. The channel stays open so the
// screen can still write its restore sequences.
func (t *channelTty) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *channelTty) isStopped() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopped
}

func (t *channelTty) NotifyResize(cb func()) {
	t.resizeMu.Lock()
	t.resizeCb = cb
	t.resizeMu.Unlock()
}

func (t *channelTty) WindowSize() (tcell.WindowSize, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return tcell.WindowSize{Width: t.width, Height: t.height}, nil
}

// SetWindowSize records a window-change from the client and tells tcell.
func (t *channelTty) SetWindowSize(width, height int) {
	t.mu.Lock()
	t.width, t.height = width, height
	t.mu.Unlock()

	t.resizeMu.Lock()
	cb := t.resizeCb
	t.resizeMu.Unlock()
	if cb != nil {
		cb()
	}
}

func (t *channelTty) Read(b []byte) (int, error) {
	if t.isStopped() {
		return 0, io.EOF
	}
	n, err := t.ch.Read(b)
	if err != nil && t.isStopped() {
		return 0, io.EOF
	}
	return n, err
}

func (t *channelTty) Write(b []byte) (int, error) {
	return t.ch.Write(b)
}

func (t *channelTty) Close() error {
	t.Stop()
	return t.ch.Close()
}

var _ tcell.Tty = (*channelTty)(nil)
