package chatserver

import (
	"bufio"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-chatroom/config"
	"github.com/cyberinferno/go-chatroom/logger"
	"github.com/cyberinferno/go-chatroom/protocol"
)

const readWait = 2 * time.Second

func startServer(t *testing.T, mutate func(*config.ServerConfig)) *Server {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewServer(cfg, logger.NewNopLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

type testConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testConn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) send(line string) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteLine(c.conn, line))
}

func (c *testConn) next() protocol.Event {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readWait)))
	ev, err := protocol.ReadEvent(c.r)
	require.NoError(c.t, err)
	return ev
}

func (c *testConn) expectText(want string) {
	c.t.Helper()
	assert.Equal(c.t, protocol.Text(want), c.next())
}

func (c *testConn) expectRoster(names ...string) {
	c.t.Helper()
	ev := c.next()
	require.Equal(c.t, protocol.KindRoster, ev.Kind, "got %s", ev)
	assert.Equal(c.t, names, ev.Roster)
}

func (c *testConn) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readWait)))
	_, err := protocol.ReadEvent(c.r)
	require.Error(c.t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(c.t, netErr.Timeout(), "connection was not closed by the server")
	}
}

// join claims name and consumes the approval, welcome and roster.
func (c *testConn) join(name string, roster ...string) {
	c.t.Helper()
	c.send(name)
	c.expectText(protocol.Approved)
	c.expectText(protocol.WelcomeNotice)
	c.expectRoster(roster...)
}

func TestServer_Scenario(t *testing.T) {
	srv := startServer(t, nil)

	alice := dial(t, srv)
	alice.join("alice", "alice")

	bob := dial(t, srv)
	bob.send("alice")
	bob.expectText(protocol.NotApproved("alice"))
	bob.join("bob", "alice", "bob")

	alice.expectText(protocol.JoinNotice("bob"))
	alice.expectRoster("alice", "bob")

	alice.send("hi")
	alice.expectText("alice: hi")
	bob.expectText("alice: hi")

	require.NoError(t, bob.conn.Close())
	alice.expectText(protocol.LeaveNotice("bob"))
	alice.expectRoster("alice")

	assert.Equal(t, []string{"alice"}, srv.Registry().Snapshot())
}

func TestServer_HandshakeRejections(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)

	t.Run("blank name", func(t *testing.T) {
		c.send("   ")
		c.expectText(protocol.NotApproved(""))
	})

	t.Run("overlong name", func(t *testing.T) {
		long := make([]byte, protocol.MaxNameLength+1)
		for i := range long {
			long[i] = 'x'
		}
		c.send(string(long))
		c.expectText(protocol.NotApproved("Name too long"))
	})

	t.Run("surrounding spaces are trimmed", func(t *testing.T) {
		c.join("  carol  ", "carol")
	})
}

func TestServer_CapacityGate(t *testing.T) {
	t.Run("full registry rejects before handshake", func(t *testing.T) {
		srv := startServer(t, func(cfg *config.ServerConfig) { cfg.MaxUsers = 2 })

		a := dial(t, srv)
		a.join("a", "a")
		b := dial(t, srv)
		b.join("b", "a", "b")
		a.expectText(protocol.JoinNotice("b"))
		a.expectRoster("a", "b")

		rejected := dial(t, srv)
		rejected.expectClosed()
		assert.Equal(t, 2, srv.Registry().Size())
		assert.Equal(t, 2, srv.Connections())
	})

	t.Run("handshaking connections count against capacity", func(t *testing.T) {
		srv := startServer(t, func(cfg *config.ServerConfig) { cfg.MaxUsers = 1 })

		_ = dial(t, srv)
		require.Eventually(t, func() bool { return srv.Connections() == 1 }, readWait, 10*time.Millisecond)

		rejected := dial(t, srv)
		rejected.expectClosed()
	})

	t.Run("slot frees after a member leaves", func(t *testing.T) {
		srv := startServer(t, func(cfg *config.ServerConfig) { cfg.MaxUsers = 1 })

		a := dial(t, srv)
		a.join("a", "a")
		require.NoError(t, a.conn.Close())
		require.Eventually(t, func() bool { return srv.Connections() == 0 }, readWait, 10*time.Millisecond)

		b := dial(t, srv)
		b.join("b", "b")
	})
}

func TestServer_HandshakeTimeout(t *testing.T) {
	srv := startServer(t, func(cfg *config.ServerConfig) { cfg.HandshakeTimeout = 100 * time.Millisecond })

	idle := dial(t, srv)
	idle.expectClosed()
	require.Eventually(t, func() bool { return srv.Connections() == 0 }, readWait, 10*time.Millisecond)

	t.Run("deadline is lifted after approval", func(t *testing.T) {
		c := dial(t, srv)
		c.join("dora", "dora")
		time.Sleep(200 * time.Millisecond)
		c.send("still here")
		c.expectText("dora: still here")
	})
}

func TestServer_AcceptThrottle(t *testing.T) {
	srv := startServer(t, func(cfg *config.ServerConfig) {
		cfg.AcceptLimit = 1
		cfg.AcceptWindow = time.Minute
	})

	first := dial(t, srv)
	first.join("first", "first")

	second := dial(t, srv)
	second.expectClosed()
}

func TestServer_StopClosesClients(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	srv := NewServer(cfg, logger.NewNopLogger())
	require.NoError(t, srv.Start())

	a := dial(t, srv)
	a.join("a", "a")
	pending := dial(t, srv)
	require.Eventually(t, func() bool { return srv.Connections() == 2 }, readWait, 10*time.Millisecond)

	srv.Stop()
	pending.expectClosed()
	assert.Equal(t, 0, srv.Registry().Size())
	assert.Equal(t, 0, srv.Connections())

	_, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServer_StartFailsWhenPortInUse(t *testing.T) {
	srv := startServer(t, nil)

	cfg := config.DefaultServerConfig()
	host, port, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	cfg.Host = host
	cfg.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	second := NewServer(cfg, logger.NewNopLogger())
	assert.Error(t, second.Start())
	second.Stop()
}
