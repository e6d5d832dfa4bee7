// Package chatserver implements the chat room server: a listener that admits
// up to a fixed number of clients, and one Session per connection that
// negotiates a unique name and relays text through the shared registry.
package chatserver

import (
	"fmt"
	"net"

	"github.com/cyberinferno/go-chatroom/config"
	"github.com/cyberinferno/go-chatroom/logger"
	"github.com/cyberinferno/go-chatroom/registry"
	"github.com/cyberinferno/go-chatroom/tcpserver"
	"github.com/cyberinferno/go-chatroom/throttle"
)

// Server wires the registry, the listener and the sessions together.
type Server struct {
	cfg      config.ServerConfig
	log      logger.Logger
	registry *registry.Registry
	tcp      *tcpserver.TCPServer
}

// NewServer builds a server from cfg. Nothing is bound until Start.
//
// Parameters:
//   - cfg: Server settings; MaxUsers sizes the registry
//   - log: Logger shared by the listener and sessions
//
// Returns:
//   - A new *Server
func NewServer(cfg config.ServerConfig, log logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: registry.New(cfg.MaxUsers),
	}

	s.tcp = tcpserver.NewTCPServer("chat", cfg.Address(), log, s.newSession)
	s.tcp.Gate = tcpserver.GateFunc(s.atCapacity)
	if cfg.AcceptLimit > 0 {
		s.tcp.Throttle = throttle.NewMemoryLimiter(cfg.AcceptLimit, cfg.AcceptWindow)
	}

	return s
}

// Start binds the listener and begins accepting clients.
//
// Returns:
//   - An error wrapping the bind failure, e.g. when the port is in use
func (s *Server) Start() error {
	if err := s.tcp.Start(); err != nil {
		return fmt.Errorf("chat server: %w", err)
	}

	s.log.Info("accepting clients", logger.Field{Key: "max_users", Value: s.registry.Capacity()})
	return nil
}

// Serve blocks until the listener stops accepting.
func (s *Server) Serve() {
	s.tcp.Serve()
}

// Stop closes the listener and every session, and waits for them to finish.
func (s *Server) Stop() {
	s.tcp.Stop()
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.tcp.ListenAddr()
}

// Registry exposes the shared name registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Connections returns the number of live connections, named or not.
func (s *Server) Connections() int {
	return s.tcp.SessionCount()
}

// atCapacity counts connections still handshaking as well as named members,
// so the number of names can never outgrow the capacity.
func (s *Server) atCapacity() bool {
	return s.registry.AtCapacity() || s.tcp.SessionCount() >= s.registry.Capacity()
}

func (s *Server) newSession(id uint32, conn net.Conn) tcpserver.TCPServerSession {
	return NewSession(id, conn, s.registry, s.log, SessionConfig{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		WriteTimeout:     s.cfg.WriteTimeout,
		OutboxSize:       s.cfg.OutboxSize,
	})
}
