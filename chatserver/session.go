package chatserver

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-chatroom/logger"
	"github.com/cyberinferno/go-chatroom/protocol"
	"github.com/cyberinferno/go-chatroom/registry"
)

// SessionState is the lifecycle position of a Session.
type SessionState int32

const (
	Connecting  SessionState = iota // Connection accepted, nothing read yet
	Handshaking                     // Waiting for an approvable name
	Active                          // Named and relaying
	Closed                          // Torn down
)

// String returns a human-readable name for the session state.
func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Active:
		return "Active"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SessionConfig holds the per-connection limits of a Session.
type SessionConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	OutboxSize       int
}

// Session serves one client connection: the name handshake, the relay loop
// and teardown. Events for the client are queued in a bounded outbox and
// written by a dedicated goroutine, so a stalled client only ever delays
// itself.
type Session struct {
	id       uint32
	conn     net.Conn
	registry *registry.Registry
	log      logger.Logger
	cfg      SessionConfig

	state atomic.Int32
	name  atomic.Pointer[string]

	outbox    chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once
	writer    sync.WaitGroup

	// announceMu orders the join announcement against teardown; announced
	// is set once the join went out.
	announceMu sync.Mutex
	announced  bool
}

// NewSession creates a session in the Connecting state. Nothing is read from
// conn until Handle runs.
//
// Parameters:
//   - id: Identifier assigned by the listener
//   - conn: The accepted connection; the session owns it from now on
//   - reg: Registry shared by all sessions
//   - log: Logger; session and remote fields are added
//   - cfg: Per-connection limits
//
// Returns:
//   - A new *Session
func NewSession(id uint32, conn net.Conn, reg *registry.Registry, log logger.Logger, cfg SessionConfig) *Session {
	if cfg.OutboxSize < 1 {
		cfg.OutboxSize = 1
	}

	s := &Session{
		id:       id,
		conn:     conn,
		registry: reg,
		log: log.With(
			logger.Field{Key: "session", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
		),
		cfg:    cfg,
		outbox: make(chan protocol.Event, cfg.OutboxSize),
		done:   make(chan struct{}),
	}
	s.state.Store(int32(Connecting))
	return s
}

// ID implements tcpserver.TCPServerSession.
func (s *Session) ID() uint32 {
	return s.id
}

// Name returns the approved display name, or "" before approval.
func (s *Session) Name() string {
	if p := s.name.Load(); p != nil {
		return *p
	}

	return ""
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Deliver implements registry.Member. It never blocks: when the session is
// closed or its outbox is full the event is dropped for this session only.
func (s *Session) Deliver(ev protocol.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.outbox <- ev:
		return true
	default:
		s.log.Warn("outbox full, dropping event", logger.Field{Key: "kind", Value: ev.Kind.String()})
		return false
	}
}

// Handle implements tcpserver.TCPServerSession. It returns once the client
// disconnects, an I/O error occurs, or Close is called.
func (s *Session) Handle() {
	defer func() {
		_ = s.Close()
		s.writer.Wait()
	}()

	scanner := protocol.NewLineScanner(s.conn)
	if !s.transition(Connecting, Handshaking) {
		return
	}

	name, ok := s.handshake(scanner)
	if !ok {
		return
	}

	if !s.transition(Handshaking, Active) {
		return
	}

	if !s.activate(name) {
		return
	}

	s.relay(scanner, name)
}

// Close tears the session down exactly once: it leaves the registry,
// announces the departure if the arrival was announced, and closes the
// connection. Later calls do nothing and return nil.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closed))
		name, named := s.registry.Unregister(s)
		close(s.done)
		err = s.conn.Close()

		s.announceMu.Lock()
		announced := s.announced
		if named && announced {
			s.registry.Broadcast(protocol.Text(protocol.LeaveNotice(name)))
			s.registry.BroadcastRoster()
		}
		s.announceMu.Unlock()

		if announced {
			s.log.Info("session left", logger.Field{Key: "name", Value: name})
		} else {
			s.log.Debug("session closed before joining")
		}
	})

	return err
}

func (s *Session) transition(from, to SessionState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// handshake reads candidate names until one is approved. Acknowledgments are
// written straight to the connection; the writer goroutine starts only after
// APPROVED is on the wire, so no broadcast can overtake it.
func (s *Session) handshake(scanner *bufio.Scanner) (string, bool) {
	if s.cfg.HandshakeTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}

	for scanner.Scan() {
		candidate := protocol.NormalizeName(scanner.Text())

		if reason, valid := validateName(candidate); !valid {
			if !s.acknowledge(protocol.NotApproved(reason)) {
				return "", false
			}

			continue
		}

		if !s.registry.TryRegister(s, candidate) {
			s.log.Debug("name rejected", logger.Field{Key: "name", Value: candidate})
			if !s.acknowledge(protocol.NotApproved(candidate)) {
				return "", false
			}

			continue
		}

		// A concurrent Close may have run before the claim landed.
		select {
		case <-s.done:
			s.registry.Unregister(s)
			return "", false
		default:
		}

		s.name.Store(&candidate)
		if !s.acknowledge(protocol.Approved) {
			return "", false
		}

		_ = s.conn.SetReadDeadline(time.Time{})
		return candidate, true
	}

	s.logReadEnd("handshake", scanner.Err())
	return "", false
}

func (s *Session) acknowledge(text string) bool {
	if err := s.write(protocol.Text(text)); err != nil {
		s.log.Debug("handshake write failed", logger.Field{Key: "error", Value: err})
		return false
	}

	return true
}

func (s *Session) activate(name string) bool {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()

	select {
	case <-s.done:
		return false
	default:
	}

	s.writer.Add(1)
	go s.writeLoop()

	s.announced = true
	s.registry.BroadcastExcept(protocol.Text(protocol.JoinNotice(name)), s)
	s.Deliver(protocol.Text(protocol.WelcomeNotice))
	s.registry.BroadcastRoster()

	s.log.Info("session joined",
		logger.Field{Key: "name", Value: name},
		logger.Field{Key: "members", Value: s.registry.Size()},
	)
	return true
}

func (s *Session) relay(scanner *bufio.Scanner, name string) {
	for scanner.Scan() {
		s.registry.Broadcast(protocol.Text(protocol.ChatLine(name, scanner.Text())))
	}

	s.logReadEnd("relay", scanner.Err())
}

func (s *Session) writeLoop() {
	defer s.writer.Done()

	for {
		select {
		case <-s.done:
			return
		case ev := <-s.outbox:
			if err := s.write(ev); err != nil {
				s.log.Debug("write failed", logger.Field{Key: "error", Value: err})
				_ = s.Close()
				return
			}
		}
	}
}

func (s *Session) write(ev protocol.Event) error {
	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}

	return protocol.WriteEvent(s.conn, ev)
}

func (s *Session) logReadEnd(phase string, err error) {
	if err == nil || s.State() == Closed || errors.Is(err, net.ErrClosed) {
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.log.Warn(phase+" timed out")
		return
	}

	s.log.Debug(phase+" read failed", logger.Field{Key: "error", Value: err})
}

func validateName(name string) (string, bool) {
	switch {
	case name == "":
		return "", false
	case len(name) > protocol.MaxNameLength:
		return "Name too long", false
	default:
		return "", true
	}
}
