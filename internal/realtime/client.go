// Package realtime is the client side of the fan-out bus: a websocket
// connection speaking proto frames, with subscribe/whisper plus a
// listener-channel event feed and a bounded replay buffer.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-chat/parley/internal/event"
	"github.com/parley-chat/parley/internal/proto"
	"github.com/parley-chat/parley/internal/util"
)

const (
	historySize  = 256
	ackTimeout   = 10 * time.Second
	pingInterval = 30 * time.Second
)

// ErrDenied is returned when the server refuses a subscription.
var ErrDenied = fmt.Errorf("realtime: subscription denied")

// Client is one authenticated realtime connection.
type Client struct {
	selfID int64
	ws     *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan proto.Frame // channel name -> waiting subscriber
	listeners map[chan *event.Envelope]struct{}
	closed    bool

	history *util.RingBuffer[event.Envelope]
	done    chan struct{}
}

// Dial connects and authenticates. url is the ws:// endpoint without the
// token query parameter.
func Dial(ctx context.Context, url, token string, selfID int64) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url+"?token="+token, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	c := &Client{
		selfID:    selfID,
		ws:        ws,
		pending:   make(map[string]chan proto.Frame),
		listeners: make(map[chan *event.Envelope]struct{}),
		history:   util.NewRingBuffer[event.Envelope](historySize),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// SelfID is the principal this client authenticated as.
func (c *Client) SelfID() int64 { return c.selfID }

func (c *Client) writeFrame(f proto.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(f)
}

// Subscribe joins a channel, returning the presence roster for presence
// channels (nil otherwise).
func (c *Client) Subscribe(ctx context.Context, channel string) ([]event.Member, error) {
	wait := make(chan proto.Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("realtime: client closed")
	}
	c.pending[channel] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, channel)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(proto.Frame{Op: proto.OpSubscribe, Channel: channel}); err != nil {
		return nil, err
	}

	select {
	case f := <-wait:
		if f.Op == proto.OpError {
			return nil, fmt.Errorf("%w: %s", ErrDenied, channel)
		}
		var roster []event.Member
		if len(f.Event) > 0 {
			if err := json.Unmarshal(f.Event, &roster); err != nil {
				return nil, fmt.Errorf("decode roster: %w", err)
			}
		}
		return roster, nil
	case <-time.After(ackTimeout):
		return nil, fmt.Errorf("realtime: subscribe %s timed out", channel)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("realtime: connection closed")
	}
}

// Unsubscribe leaves a channel.
func (c *Client) Unsubscribe(channel string) error {
	return c.writeFrame(proto.Frame{Op: proto.OpUnsubscribe, Channel: channel})
}

// Whisper sends an ephemeral event on a subscribed channel. to targets one
// member; zero reaches everyone else on the channel.
func (c *Client) Whisper(channel string, to int64, env event.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode whisper: %w", err)
	}
	return c.writeFrame(proto.Frame{Op: proto.OpWhisper, Channel: channel, To: to, Event: raw})
}

// Listen returns a feed of inbound events. The feed is best-effort: a
// listener that stops draining misses events rather than stalling the
// connection.
func (c *Client) Listen() (ch chan *event.Envelope, cancel func()) {
	ch = make(chan *event.Envelope, 64)
	c.mu.Lock()
	c.listeners[ch] = struct{}{}
	c.mu.Unlock()

	cancel = func() {
		c.mu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// History returns the most recent inbound events, oldest first.
func (c *Client) History() []event.Envelope {
	return c.history.Snapshot()
}

// Closed is closed when the connection is gone.
func (c *Client) Closed() <-chan struct{} { return c.done }

// Close tears the connection down. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for ch := range c.listeners {
		delete(c.listeners, ch)
		close(ch)
	}
	c.mu.Unlock()

	close(c.done)
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var f proto.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("REALTIME: read loop ended: %v", err)
			}
			return
		}
		switch f.Op {
		case proto.OpEvent:
			var env event.Envelope
			if err := json.Unmarshal(f.Event, &env); err != nil {
				log.Printf("REALTIME: bad event on %s: %v", f.Channel, err)
				continue
			}
			c.history.Push(env)
			c.fanOut(&env)

		case proto.OpAck, proto.OpError:
			c.mu.Lock()
			wait, ok := c.pending[f.Channel]
			c.mu.Unlock()
			if ok {
				select {
				case wait <- f:
				default:
				}
			}
		}
	}
}

func (c *Client) fanOut(env *event.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.listeners {
		select {
		case ch <- env:
		default:
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
