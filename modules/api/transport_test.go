package api

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	fasthttpws "github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/support-relay/domain/support"
	"github.com/example/support-relay/modules/broadcast"
	"github.com/example/support-relay/modules/relay"
	"github.com/example/support-relay/modules/session"
)

// serve runs the fixture's Fiber app on a loopback listener and returns
// the WebSocket URL.
func (f *relayFixture) serve() string {
	f.t.Helper()
	f.module.cfg.PingInterval = 50 * time.Millisecond
	f.module.cfg.ReadTimeout = 2 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(f.t, err)
	app := f.module.newApp()
	go func() { _ = app.Listener(ln) }()
	f.t.Cleanup(func() { _ = app.ShutdownWithTimeout(time.Second) })
	return "ws://" + ln.Addr().String() + "/ws"
}

// wsClient is a real socket peer that records every frame it reads.
type wsClient struct {
	t      *testing.T
	conn   *fasthttpws.Conn
	id     string
	mu     sync.Mutex
	frames []broadcast.Envelope
	closed chan struct{}
}

func dial(t *testing.T, url string) *wsClient {
	t.Helper()
	conn, _, err := fasthttpws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	c := &wsClient{t: t, conn: conn, closed: make(chan struct{})}
	go c.readLoop()
	t.Cleanup(c.drop)

	var p broadcast.ConnectedPayload
	require.NoError(t, json.Unmarshal(c.waitFor(broadcast.EventConnected, 1)[0].Payload, &p))
	c.id = p.ConnectionID
	return c
}

func (c *wsClient) readLoop() {
	defer close(c.closed)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env broadcast.Envelope
		if json.Unmarshal(data, &env) == nil {
			c.mu.Lock()
			c.frames = append(c.frames, env)
			c.mu.Unlock()
		}
	}
}

func (c *wsClient) ofType(eventType string) []broadcast.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []broadcast.Envelope
	for _, env := range c.frames {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func (c *wsClient) waitFor(eventType string, n int) []broadcast.Envelope {
	c.t.Helper()
	require.Eventually(c.t, func() bool { return len(c.ofType(eventType)) >= n }, 3*time.Second, 5*time.Millisecond,
		"waiting for %d %s frames", n, eventType)
	return c.ofType(eventType)
}

func (c *wsClient) send(eventType string, payload any) {
	c.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	data, err := json.Marshal(broadcast.Envelope{Type: eventType, Payload: raw})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(fasthttpws.TextMessage, data))
}

func (c *wsClient) register(role, name, affiliation string) {
	c.t.Helper()
	c.send(InboundRegister, session.RegisterRequest{Role: role, Name: name, AffiliationID: affiliation})
	c.waitFor(broadcast.EventRegistered, 1)
}

// drop closes the TCP connection without a close frame.
func (c *wsClient) drop() {
	_ = c.conn.UnderlyingConn().Close()
	<-c.closed
}

// lastOnline decodes the most recent online_users snapshot, nil if none.
func (c *wsClient) lastOnline() []support.Participant {
	frames := c.ofType(broadcast.EventOnlineUsers)
	if len(frames) == 0 {
		return nil
	}
	var snapshot []support.Participant
	if err := json.Unmarshal(frames[len(frames)-1].Payload, &snapshot); err != nil {
		return nil
	}
	return snapshot
}

// lastAdminStatus reports the most recent admin_status frame.
func (c *wsClient) lastAdminStatus() (online, ok bool) {
	frames := c.ofType(broadcast.EventAdminStatus)
	if len(frames) == 0 {
		return false, false
	}
	var p broadcast.AdminStatusPayload
	if err := json.Unmarshal(frames[len(frames)-1].Payload, &p); err != nil {
		return false, false
	}
	return p.Online, true
}

func TestTransport_RegisterSendAndAbruptClose(t *testing.T) {
	f := newRelayFixture(t)
	url := f.serve()

	driver := dial(t, url)
	driver.register("driver", "Ana", "D1")

	admin := dial(t, url)
	admin.register("admin", "Dispatch", "")
	require.Eventually(t, func() bool {
		online, ok := driver.lastAdminStatus()
		return ok && online
	}, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(driver.lastOnline()) == 2 }, 3*time.Second, 5*time.Millisecond)

	driver.send(InboundSend, session.SendRequest{MessageID: "m1", Text: "help"})
	msg := decodeMessage(t, admin.waitFor(broadcast.EventReceiveMessage, 1)[0])
	assert.Equal(t, "m1", msg.MessageID)
	assert.Equal(t, driver.id, msg.SenderConnectionID)
	driver.waitFor(broadcast.EventMessageSaved, 1)

	admin.drop()

	require.Eventually(t, func() bool {
		online, ok := driver.lastAdminStatus()
		return ok && !online
	}, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		online := driver.lastOnline()
		return len(online) == 1 && online[0].ConnectionID == driver.id
	}, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 3*time.Second, 5*time.Millisecond)

	// Nobody is left to receive it, but it is still stored and acknowledged.
	driver.send(InboundSend, session.SendRequest{MessageID: "m2", Text: "anyone?"})
	var ack relay.Ack
	require.NoError(t, json.Unmarshal(driver.waitFor(broadcast.EventMessageSaved, 2)[1].Payload, &ack))
	assert.Equal(t, "m2", ack.MessageID)
	assert.Zero(t, ack.Recipients)
}

func TestTransport_ChurnReleasesConnections(t *testing.T) {
	f := newRelayFixture(t)
	url := f.serve()

	observer := dial(t, url)
	observer.register("admin", "Dispatch", "")

	const rounds = 50
	for i := 0; i < rounds; i++ {
		c := dial(t, url)
		c.register("driver", "Churn", "D-churn")
		c.drop()
	}

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := f.registry.Count(t.Context())
		return err == nil && n == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(rounds+1), f.sessions.Stats().TotalConnections)

	// Frames reach the right peer after the pooled connections are reused.
	observer.send(InboundHeartbeat, struct{}{})
	observer.waitFor(broadcast.EventHeartbeatAck, 1)
	assert.Empty(t, observer.ofType(broadcast.EventError))
}
