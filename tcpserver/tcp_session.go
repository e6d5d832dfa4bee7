package tcpserver

// TCPServerSession is implemented by each connection session. The server
// creates a session per admitted connection and runs Handle in its own
// goroutine; the session is forgotten once Handle returns.
type TCPServerSession interface {
	// ID returns the session's unique identifier assigned by the server.
	//
	// Returns:
	//   - The session ID (uint32)
	ID() uint32

	// Handle runs the session until the connection ends. It must return
	// promptly once Close has been called.
	Handle()

	// Close closes the session and releases resources. It must be safe to
	// call multiple times and from any goroutine.
	//
	// Returns:
	//   - An error if closing failed
	Close() error
}

// Gate is consulted for every accepted connection before a session is
// created for it.
type Gate interface {
	// AtCapacity reports whether new connections must be turned away.
	AtCapacity() bool
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func() bool

// AtCapacity implements Gate.
func (f GateFunc) AtCapacity() bool {
	return f()
}
