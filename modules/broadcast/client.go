package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
)

const (
	writeWait         = 10 * time.Second
	defaultPingPeriod = 30 * time.Second
	defaultSendBuffer = 64
)

var errClientClosed = errors.New("client closed")

// Conn is the subset of *websocket.Conn a Client writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one connected WebSocket peer. All writes go through its send
// buffer and a single writer goroutine.
type Client struct {
	ID string

	conn      Conn
	send      chan []byte
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	logger    types.Logger
}

// NewClient wraps conn. A bufferSize <= 0 uses the default.
func NewClient(id string, conn Conn, bufferSize int, logger types.Logger) *Client {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	return &Client{
		ID:      id,
		conn:    conn,
		send:    make(chan []byte, bufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// WritePump writes queued frames and periodic pings until the client closes.
// Stopped is closed when it returns; the connection must not be released
// before then.
func (c *Client) WritePump(pingPeriod time.Duration) {
	defer close(c.stopped)
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				if !errors.Is(err, errClientClosed) {
					c.logger.Warn("Write failed, closing connection", "connectionID", c.ID, "error", err)
				}
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Ping failed, closing connection", "connectionID", c.ID, "error", err)
				c.Close()
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	// select picks randomly among ready cases, so a queued frame can win
	// over done.
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// Enqueue buffers a frame without blocking. A client whose buffer is full
// is too slow to keep up and is closed.
func (c *Client) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("Send buffer full, closing slow connection", "connectionID", c.ID)
		c.Close()
		return false
	}
}

// Close closes the underlying connection once. The reader blocked on it
// returns, which ends the connection's lifecycle.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed when the client closes.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Stopped is closed once WritePump has returned. It never closes for a
// client whose pump was not started.
func (c *Client) Stopped() <-chan struct{} {
	return c.stopped
}
