// Package ssh serves the terminal UI to remote clients. Each session gets
// its own tui.App over the shared engine.
package ssh

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/terminfo"
	"github.com/gliderlabs/ssh"

	"winglink/engine"
	"winglink/logging"
	"winglink/tui"
)

var debugSSH = logging.Register("ssh")

// DefaultPort is the usual listen port.
const DefaultPort = 2222

// Config holds SSH server settings.
type Config struct {
	Host           string
	Port           int // 0 picks a free port
	AuthorizedKeys string // authorized_keys file or directory; optional
	HostKeyPath    string
}

// Server accepts SSH sessions and runs a TUI on each.
type Server struct {
	config     Config
	engine     *engine.Engine
	logs       *tui.LogStore
	apiAddress string

	mu       sync.Mutex
	srv      *ssh.Server
	listener net.Listener
	sessions map[ssh.Session]*tui.App

	onSessionConnect    func(remoteAddr string)
	onSessionDisconnect func(remoteAddr string)
}

// NewServer creates a server for eng. Sessions share logs.
func NewServer(cfg Config, eng *engine.Engine, logs *tui.LogStore) *Server {
	return &Server{
		config:   cfg,
		engine:   eng,
		logs:     logs,
		sessions: make(map[ssh.Session]*tui.App),
	}
}

// SetAPIAddress sets the REST address shown in each session's status bar.
func (s *Server) SetAPIAddress(addr string) { s.apiAddress = addr }

// SetOnSessionConnect sets a callback for new sessions.
func (s *Server) SetOnSessionConnect(fn func(remoteAddr string)) { s.onSessionConnect = fn }

// SetOnSessionDisconnect sets a callback for ended sessions.
func (s *Server) SetOnSessionDisconnect(fn func(remoteAddr string)) { s.onSessionDisconnect = fn }

// Start loads the host key, sets up authentication and begins accepting
// connections. Passwords are checked against web.users; keys against
// Config.AuthorizedKeys. At least one of the two must be available.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return fmt.Errorf("server already running")
	}

	hostKey, err := HostKey(s.config.HostKeyPath)
	if err != nil {
		return fmt.Errorf("failed to get host key: %w", err)
	}

	srv := &ssh.Server{Handler: s.handle}
	srv.AddHostKey(hostKey)

	appCfg := s.engine.GetConfig()
	appCfg.Lock()
	haveUsers := len(appCfg.Web.Users) > 0
	appCfg.Unlock()
	if haveUsers {
		srv.PasswordHandler = PasswordHandler(appCfg)
	}
	if s.config.AuthorizedKeys != "" {
		handler, err := PublicKeyHandler(s.config.AuthorizedKeys)
		if err != nil {
			return fmt.Errorf("authorized keys: %w", err)
		}
		srv.PublicKeyHandler = handler
	}
	if srv.PasswordHandler == nil && srv.PublicKeyHandler == nil {
		return fmt.Errorf("no authentication method configured: add a web user or authorized keys")
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.srv = srv
	s.listener = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			debugSSH.Log("Serve: %v", err)
		}
	}()
	debugSSH.Log("Server started on %s", ln.Addr())
	return nil
}

// Address returns the listen address, or "" when stopped.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop closes the listener and every session.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.listener = nil
	apps := make([]*tui.App, 0, len(s.sessions))
	for _, app := range s.sessions {
		apps = append(apps, app)
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	for _, app := range apps {
		app.Stop()
	}
	return srv.Close()
}

func (s *Server) handle(sess ssh.Session) {
	remote := sess.RemoteAddr().String()
	pty, winCh, ok := sess.Pty()
	if !ok {
		fmt.Fprintln(sess, "winglink needs a terminal; connect with ssh -t")
		sess.Exit(1)
		return
	}

	tty := newChannelTty(sess, pty.Term, pty.Window.Width, pty.Window.Height)
	go func() {
		for win := range winCh {
			tty.SetWindowSize(win.Width, win.Height)
		}
	}()

	screen, err := newScreen(tty)
	if err != nil {
		debugSSH.Log("Screen for %s: %v", remote, err)
		fmt.Fprintf(sess, "terminal %q not supported\n", pty.Term)
		sess.Exit(1)
		return
	}

	app := tui.NewAppWithScreen(s.engine, s.logs, s.apiAddress, screen)
	s.mu.Lock()
	s.sessions[sess] = app
	s.mu.Unlock()
	debugSSH.Log("Session for %q from %s (term=%s, %dx%d)", sess.User(), remote, tty.Term(), pty.Window.Width, pty.Window.Height)
	if s.onSessionConnect != nil {
		s.onSessionConnect(remote)
	}

	// A dropped connection ends the TUI; quitting the TUI ends the session.
	done := make(chan struct{})
	go func() {
		select {
		case <-sess.Context().Done():
			app.Stop()
		case <-done:
		}
	}()
	if err := app.Run(); err != nil {
		debugSSH.Log("TUI error for %s: %v", remote, err)
	}
	close(done)

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	if s.onSessionDisconnect != nil {
		s.onSessionDisconnect(remote)
	}
	sess.Exit(0)
	debugSSH.Log("Session from %s ended", remote)
}

// newScreen builds a tcell screen for the client's terminal type, falling
// back to xterm when its terminfo is unknown.
func newScreen(tty *channelTty) (tcell.Screen, error) {
	var ti *terminfo.Terminfo
	var err error
	for _, term := range []string{tty.Term(), "xterm-256color", "xterm"} {
		if ti, err = terminfo.LookupTerminfo(term); err == nil {
			if term != tty.Term() {
				debugSSH.Log("No terminfo for %s, using %s", tty.Term(), term)
			}
			return tcell.NewTerminfoScreenFromTtyTerminfo(tty, ti)
		}
	}
	return nil, fmt.Errorf("failed to find terminfo: %w", err)
}
