package hub

import (
	"sync"

	"github.com/parley-chat/parley/internal/event"
)

// Conn is one live subscriber connection. The transport layer owns exactly
// one reader of Events() per Conn, which is what preserves per-channel
// delivery order.
type Conn struct {
	id     string
	userID int64
	hub    *Hub

	out    chan event.Envelope
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	channels map[string]struct{}
}

// ID is the connection's unique id, used for "to others" exclusion.
func (c *Conn) ID() string { return c.id }

// UserID is the principal this connection authenticated as.
func (c *Conn) UserID() int64 { return c.userID }

// Events is the ordered outbound stream for this connection.
func (c *Conn) Events() <-chan event.Envelope { return c.out }

// Closed is closed when the connection has been torn down.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) track(channel string) {
	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
}

// Subscribed reports whether this connection has joined a channel.
func (c *Conn) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *Conn) untrack(channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

// deliver queues a durable event. A full queue means the consumer stopped
// draining; the connection is evicted so it can reconnect with a fresh
// roster instead of silently missing events.
func (c *Conn) deliver(env event.Envelope) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.out <- env:
	default:
		log.Warnw("evicting slow consumer", "conn", c.id, "user", c.userID)
		go c.hub.CloseConn(c)
	}
}

// whisper queues an ephemeral event, dropping it silently when the queue is
// full. Whispers are never retried.
func (c *Conn) whisper(env event.Envelope) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.out <- env:
	default:
	}
}

// close leaves every channel and signals the consumer. Returns false if the
// connection was already closed.
func (c *Conn) close() bool {
	ran := false
	c.once.Do(func() {
		ran = true
		c.mu.Lock()
		channels := make([]string, 0, len(c.channels))
		for name := range c.channels {
			channels = append(channels, name)
		}
		c.mu.Unlock()
		for _, name := range channels {
			c.hub.Leave(name, c)
		}
		close(c.closed)
	})
	return ran
}
