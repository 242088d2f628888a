package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single socket write so a dead peer cannot wedge
	// the writer.
	writeWait = 10 * time.Second

	// DefaultQueueSize is the outbound queue capacity per connection.
	DefaultQueueSize = 100
)

// Conn is one attached websocket for a session. It implements
// registry.Connection. Outbound frames go through a bounded FIFO queue:
// while the socket is paused (a write failed), frames queue up and the
// oldest is dropped once the queue is full. Freshness over completeness.
type Conn struct {
	id  string
	key string
	ws  *websocket.Conn

	// writeMu serializes all writes to the socket, data and control.
	writeMu sync.Mutex

	mu       sync.Mutex
	queue    [][]byte
	maxQueue int
	paused   bool
	closed   bool
	alive    bool
}

func newConn(ws *websocket.Conn, sessionKey string, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	c := &Conn{
		id:       uuid.NewString(),
		key:      sessionKey,
		ws:       ws,
		maxQueue: queueSize,
		alive:    true,
	}
	ws.SetPongHandler(func(string) error {
		c.markAlive()
		// A pong proves the peer is responsive again; try to drain.
		go c.flush()
		return nil
	})
	return c
}

// ID implements registry.Connection.
func (c *Conn) ID() string { return c.id }

// SessionKey implements registry.Connection.
func (c *Conn) SessionKey() string { return c.key }

// Send implements registry.Connection. It never blocks on the peer: a
// paused connection queues the frame, a write failure pauses and queues.
// It reports false only when the connection is already closed.
func (c *Conn) Send(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.paused {
		c.enqueueLocked(data)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	if err := c.writeMessage(data); err != nil {
		slog.Debug("gateway: write failed, pausing connection", "connID", c.id, "sessionKey", c.key, "error", err)
		c.mu.Lock()
		if !c.closed {
			c.paused = true
			c.enqueueLocked(data)
		}
		c.mu.Unlock()
	}
	return true
}

// enqueueLocked appends a frame, evicting from the front when full.
// Caller holds c.mu.
func (c *Conn) enqueueLocked(data []byte) {
	if len(c.queue) >= c.maxQueue {
		drop := len(c.queue) - c.maxQueue + 1
		c.queue = append([][]byte(nil), c.queue[drop:]...)
	}
	c.queue = append(c.queue, data)
}

// flush drains the queue in order. A renewed write failure requeues the
// in-flight frame at the front and leaves the connection paused; nothing
// is lost or reordered. New Sends during a flush keep queueing because
// paused stays true until the queue is empty.
func (c *Conn) flush() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			c.paused = false
			c.mu.Unlock()
			return
		}
		c.paused = true
		front := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.writeMessage(front); err != nil {
			c.mu.Lock()
			if !c.closed {
				c.queue = append([][]byte{front}, c.queue...)
			}
			c.mu.Unlock()
			return
		}
	}
}

func (c *Conn) writeMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ping sends a control ping. Pong receipt re-marks the connection alive.
func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *Conn) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// aliveAndReset reports whether the peer responded since the last check
// and clears the flag for the next heartbeat round.
func (c *Conn) aliveAndReset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

// Close implements registry.Connection: a normal close message goes out
// first so the peer knows the disconnect was deliberate, then the socket
// shuts down. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.mu.Unlock()
	if !alreadyClosed {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.writeMu.Unlock()
	}
	c.close()
}

// close shuts the socket down without a close handshake. Idempotent;
// queued frames are discarded.
func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	c.mu.Unlock()
	c.ws.Close()
}

// queueLen is for tests and diagnostics.
func (c *Conn) queueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
