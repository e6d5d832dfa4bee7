// Package tcpserver runs a TCP accept loop that hands each admitted
// connection to its own session goroutine. Connections can be turned away
// before a session exists by a capacity Gate or a per-host throttle.
package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-chatroom/logger"
	"github.com/cyberinferno/go-chatroom/safemap"
	"github.com/cyberinferno/go-chatroom/throttle"
)

// NewSessionFunc creates the session for an admitted connection. It receives
// the assigned session ID and the accepted net.Conn.
type NewSessionFunc func(id uint32, conn net.Conn) TCPServerSession

// TCPServer accepts connections on Addr and delegates each one to a session
// created by NewSession. Live sessions are tracked by ID until their Handle
// returns. Create one with NewTCPServer; optional fields (Gate, Throttle) may
// be set before Start.
type TCPServer struct {
	Logger     logger.Logger
	Name       string
	Addr       string
	Listener   net.Listener
	Sessions   *safemap.SafeMap[uint32, TCPServerSession]
	Running    atomic.Bool
	NewSession NewSessionFunc

	// Gate, when set, turns connections away while it reports capacity.
	Gate Gate

	// Throttle, when set, limits accepted connections per remote host.
	Throttle throttle.Limiter

	nextID   atomic.Uint32
	done     chan struct{}
	handlers sync.WaitGroup
}

// NewTCPServer creates a server that is ready to Start.
//
// Parameters:
//   - name: Server name used in log messages
//   - addr: "host:port" to listen on; port 0 selects a free port
//   - log: Logger for server events
//   - newSession: Factory for per-connection sessions
//
// Returns:
//   - A new *TCPServer
func NewTCPServer(name string, addr string, log logger.Logger, newSession NewSessionFunc) *TCPServer {
	return &TCPServer{
		Logger:     log,
		Name:       name,
		Addr:       addr,
		Sessions:   safemap.NewSafeMap[uint32, TCPServerSession](),
		NewSession: newSession,
	}
}

// Start binds to Addr and runs the accept loop in a goroutine.
//
// Returns:
//   - An error if the server is already running or if listening on Addr fails
func (s *TCPServer) Start() error {
	if s.Running.Load() {
		s.Logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.Listener = ln
	s.done = make(chan struct{})
	s.Running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	go s.AcceptLoop()

	return nil
}

// ListenAddr returns the bound address, or nil before Start.
func (s *TCPServer) ListenAddr() net.Addr {
	if s.Listener == nil {
		return nil
	}

	return s.Listener.Addr()
}

// Serve blocks until the accept loop has exited. It returns immediately if
// the server was never started.
func (s *TCPServer) Serve() {
	if s.done == nil {
		return
	}

	<-s.done
}

// Stop closes the listener and every live session, then waits for the
// accept loop and all session handlers to return. Safe to call when the
// server is not running.
func (s *TCPServer) Stop() {
	if !s.Running.CompareAndSwap(true, false) {
		s.Logger.Info(fmt.Sprintf("%s server not running", s.Name))
		return
	}

	if s.Listener != nil {
		_ = s.Listener.Close()
	}

	<-s.done

	s.Sessions.Range(func(_ uint32, session TCPServerSession) bool {
		_ = session.Close()
		return true
	})

	s.handlers.Wait()
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// AddSession stores a session under the given id.
func (s *TCPServer) AddSession(id uint32, session TCPServerSession) {
	s.Sessions.Store(id, session)
}

// RemoveSession forgets the session with the given id.
func (s *TCPServer) RemoveSession(id uint32) {
	s.Sessions.Delete(id)
}

// SessionCount returns the number of live sessions, including those that
// have not finished their handshake.
func (s *TCPServer) SessionCount() int {
	return s.Sessions.Len()
}

// AcceptLoop accepts connections one at a time until the server stops. Each
// connection is screened by Gate and Throttle; rejected connections are
// closed without a session ever reading from them. Admitted connections get
// an ID, a session from NewSession, and a goroutine running its Handle.
func (s *TCPServer) AcceptLoop() {
	defer close(s.done)

	for s.Running.Load() {
		conn, err := s.Listener.Accept()
		if err != nil {
			if !s.Running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Field{Key: "error", Value: err})
			continue
		}

		if !s.admit(conn) {
			_ = conn.Close()
			continue
		}

		id := s.nextID.Add(1)
		session := s.NewSession(id, conn)
		s.AddSession(id, session)
		s.handlers.Add(1)
		go s.run(id, session)
	}
}

func (s *TCPServer) admit(conn net.Conn) bool {
	remote := conn.RemoteAddr().String()

	if s.Gate != nil && s.Gate.AtCapacity() {
		s.Logger.Warn("connection rejected: at capacity", logger.Field{Key: "remote", Value: remote})
		return false
	}

	if s.Throttle != nil && !s.Throttle.Allow(remoteHost(conn)) {
		s.Logger.Warn("connection rejected: throttled", logger.Field{Key: "remote", Value: remote})
		return false
	}

	s.Logger.Debug("connection accepted", logger.Field{Key: "remote", Value: remote})
	return true
}

func (s *TCPServer) run(id uint32, session TCPServerSession) {
	defer s.handlers.Done()
	defer s.RemoveSession(id)

	// Stop may have swept the session map before this session was stored.
	if !s.Running.Load() {
		_ = session.Close()
		return
	}

	session.Handle()
}

func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}

	return host
}
