// Package chatclient is the client side of the chat room protocol. It
// performs the name handshake, sends lines of text and yields the server's
// tagged events one at a time. Interactive front ends and bots are built on
// top of Connect, Send and Receive.
package chatclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-chatroom/protocol"
)

// ConnectionState represents the current state of the client connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Never connected
	Connecting                          // Dial in progress
	Handshaking                         // Connected, name not yet approved
	Connected                           // Name approved; Send and Receive are usable
	Closed                              // Connection released
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is passed to the handler registered with
// OnConnectionState whenever the state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The server address
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the change was caused by an error
}

// ConnectionStateHandler is called synchronously on every state change,
// without any client lock held.
type ConnectionStateHandler func(event ConnectionStateEvent)

// NamePrompter supplies candidate names during the handshake. It is first
// called with an empty feedback string. After a rejection it is called again
// with the reason the server gave, usually the rejected name, or the whole
// NOT APPROVED text when no reason was given. Returning ok == false abandons
// the connection.
type NamePrompter func(feedback string) (name string, ok bool)

var (
	ErrNotConnected     = errors.New("chatclient: not connected")
	ErrAlreadyConnected = errors.New("chatclient: already connected or connecting")
	ErrNoName           = errors.New("chatclient: no name supplied")
)

// Config holds configuration for the client.
type Config struct {
	// Address is the "host:port" of the chat server.
	Address string
	// ConnectionTimeout is the max duration for establishing the TCP connection.
	ConnectionTimeout time.Duration
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout is the max duration Receive waits for a frame; 0 means no timeout.
	ReadTimeout time.Duration
}

// DefaultConfig returns a Config for address with a 10s dial timeout, a 10s
// write timeout and no read timeout.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Client is a single connection to a chat server. Send may be called from
// any goroutine; Receive must be called from one goroutine at a time.
type Client struct {
	config Config

	mu                sync.RWMutex
	conn              net.Conn
	reader            *bufio.Reader
	state             ConnectionState
	name              string
	onConnectionState ConnectionStateHandler

	writeMu sync.Mutex
}

// New creates a client in the Disconnected state.
func New(config Config) *Client {
	return &Client{config: config, state: Disconnected}
}

// OnConnectionState registers the handler for state changes, replacing any
// previous one. Pass nil to clear it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// Connect dials the server and runs the name handshake, calling prompt for
// each candidate until the server approves one. Cancelling ctx aborts the
// dial or the handshake.
//
// Parameters:
//   - ctx: Bounds the dial and the handshake
//   - prompt: Source of candidate names
//
// Returns:
//   - nil once a name is approved
//   - ErrNoName if prompt gave up, ErrAlreadyConnected if a connection is in
//     use, or a dial/I/O error; the connection is released on every failure
func (c *Client) Connect(ctx context.Context, prompt NamePrompter) error {
	c.mu.Lock()
	if c.state == Connecting || c.state == Handshaking || c.state == Connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.name = ""
	c.mu.Unlock()
	c.notify(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		c.setState(Disconnected, err)
		return fmt.Errorf("connect %s: %w", c.config.Address, err)
	}

	reader := bufio.NewReader(conn)

	c.mu.Lock()
	c.conn = conn
	c.reader = reader
	c.state = Handshaking
	c.mu.Unlock()
	c.notify(Handshaking, nil)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	name, err := c.handshake(conn, reader, prompt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}

		c.teardown(err)
		return err
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.name = name
	c.state = Connected
	c.mu.Unlock()
	c.notify(Connected, nil)
	return nil
}

// handshake returns the name as the server registered it.
func (c *Client) handshake(conn net.Conn, reader *bufio.Reader, prompt NamePrompter) (string, error) {
	feedback := ""
	for {
		candidate, ok := prompt(feedback)
		if !ok {
			return "", ErrNoName
		}

		name := protocol.NormalizeName(candidate)
		if err := c.writeLine(conn, name); err != nil {
			return "", fmt.Errorf("send name: %w", err)
		}

		ack, err := c.readAck(conn, reader)
		if err != nil {
			return "", fmt.Errorf("await approval: %w", err)
		}

		if protocol.IsApproved(ack) {
			return name, nil
		}

		feedback = ack.Text
		if reason, rejected := protocol.RejectionReason(ack); rejected && reason != "" {
			feedback = reason
		}
	}
}

// readAck skips frames it cannot decode and returns the first TEXT event.
func (c *Client) readAck(conn net.Conn, reader *bufio.Reader) (protocol.Event, error) {
	for {
		ev, err := c.readEvent(conn, reader)
		if err != nil {
			if protocol.IsRecoverable(err) {
				continue
			}

			return protocol.Event{}, err
		}

		if ev.Kind == protocol.KindText {
			return ev, nil
		}
	}
}

// Send writes text as one line. Empty text is ignored. No acknowledgment is
// awaited; a write failure releases the connection.
//
// Returns:
//   - nil on success or for empty text; ErrNotConnected or the write error otherwise
func (c *Client) Send(text string) error {
	if text == "" {
		return nil
	}

	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	if err := c.writeLine(conn, text); err != nil {
		c.teardown(err)
		return fmt.Errorf("send: %w", err)
	}

	return nil
}

// Receive blocks until the next event arrives.
//
// A frame with an unknown tag or undecodable payload is reported with an
// error for which protocol.IsRecoverable is true; the connection stays open
// and the next call reads the following frame. Any other read failure
// releases the connection.
//
// Returns:
//   - The next event
//   - ErrNotConnected, a recoverable decode error, or the read error
func (c *Client) Receive() (protocol.Event, error) {
	c.mu.RLock()
	conn := c.conn
	reader := c.reader
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return protocol.Event{}, ErrNotConnected
	}

	ev, err := c.readEvent(conn, reader)
	if err != nil {
		if protocol.IsRecoverable(err) {
			return protocol.Event{}, err
		}

		c.teardown(err)
		return protocol.Event{}, fmt.Errorf("receive: %w", err)
	}

	return ev, nil
}

// Listen calls handler for every event until the connection ends or ctx is
// cancelled; cancelling ctx closes the client. Undecodable frames are
// skipped.
//
// Returns:
//   - ctx.Err() after cancellation, otherwise the error that ended the connection
func (c *Client) Listen(ctx context.Context, handler func(protocol.Event)) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		ev, err := c.Receive()
		if err != nil {
			if protocol.IsRecoverable(err) {
				continue
			}

			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			return err
		}

		handler(ev)
	}
}

// Close releases the connection. It is idempotent and always returns nil.
func (c *Client) Close() error {
	c.teardown(nil)
	return nil
}

// IsConnected reports whether the handshake completed and the connection is open.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Name returns the approved name of the latest connection as the server
// registered it, or "" if none was approved.
func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Client) teardown(cause error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.reader = nil
	c.state = Closed
	c.mu.Unlock()

	_ = conn.Close()
	c.notify(Closed, cause)
}

func (c *Client) writeLine(conn net.Conn, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	return protocol.WriteLine(conn, text)
}

func (c *Client) readEvent(conn net.Conn, reader *bufio.Reader) (protocol.Event, error) {
	if c.config.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
			return protocol.Event{}, err
		}
	}

	return protocol.ReadEvent(reader)
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.notify(state, err)
}

func (c *Client) notify(state ConnectionState, err error) {
	c.mu.RLock()
	handler := c.onConnectionState
	c.mu.RUnlock()

	if handler != nil {
		handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}
