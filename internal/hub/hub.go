// Package hub is the realtime core: it tracks which connections are
// subscribed to which channels and fans events out to them. Rosters are
// ephemeral — they exist only while connections are live and are rebuilt
// from scratch on reconnect.
package hub

import (
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/parley-chat/parley/internal/event"
)

var log = logging.Logger("hub")

// shardCount spreads channel state over independent locks so membership
// mutation on one conversation never blocks broadcast on another.
const shardCount = 16

// DefaultQueue is the per-connection outbound buffer when the caller does
// not specify one.
const DefaultQueue = 64

type subscriber struct {
	conn   *Conn
	member *event.Member // nil on non-presence subscriptions
}

type channelState struct {
	subs map[string]*subscriber // conn id -> subscriber
}

type shard struct {
	mu       sync.RWMutex
	channels map[string]*channelState
}

// Hub is the shared connection registry. Safe for concurrent use from many
// sessions.
type Hub struct {
	shards [shardCount]*shard

	onlineMu sync.Mutex
	online   map[int64]int // user id -> live connection count
}

func New() *Hub {
	h := &Hub{online: make(map[int64]int)}
	for i := range h.shards {
		h.shards[i] = &shard{channels: make(map[string]*channelState)}
	}
	return h
}

func (h *Hub) shardFor(channel string) *shard {
	// fnv-1a over the channel name
	var hash uint32 = 2166136261
	for i := 0; i < len(channel); i++ {
		hash ^= uint32(channel[i])
		hash *= 16777619
	}
	return h.shards[hash%shardCount]
}

// OpenConn registers a live connection for a principal. The second return
// is true when this is the principal's first live connection, i.e. the
// moment it goes online.
func (h *Hub) OpenConn(userID int64, queue int) (*Conn, bool) {
	if queue <= 0 {
		queue = DefaultQueue
	}
	c := &Conn{
		id:       uuid.NewString(),
		userID:   userID,
		hub:      h,
		out:      make(chan event.Envelope, queue),
		closed:   make(chan struct{}),
		channels: make(map[string]struct{}),
	}
	h.onlineMu.Lock()
	h.online[userID]++
	first := h.online[userID] == 1
	h.onlineMu.Unlock()
	return c, first
}

// CloseConn tears down a connection, leaving all its channels. The return is
// true when the principal has no live connections left (went offline).
// Idempotent.
func (h *Hub) CloseConn(c *Conn) bool {
	if !c.close() {
		return false
	}
	h.onlineMu.Lock()
	h.online[c.userID]--
	last := h.online[c.userID] == 0
	if last {
		delete(h.online, c.userID)
	}
	h.onlineMu.Unlock()
	return last
}

// Join subscribes a connection to a channel. For presence subscriptions
// (member != nil) it returns the roster of other current members, delivers a
// roster snapshot to the joining connection, and notifies existing members.
func (h *Hub) Join(channel string, c *Conn, member *event.Member) []event.Member {
	s := h.shardFor(channel)

	s.mu.Lock()
	ch, ok := s.channels[channel]
	if !ok {
		ch = &channelState{subs: make(map[string]*subscriber)}
		s.channels[channel] = ch
	}
	var others []*subscriber
	roster := make([]event.Member, 0, len(ch.subs))
	seen := make(map[int64]bool)
	alreadyPresent := false
	for _, sub := range ch.subs {
		others = append(others, sub)
		if sub.member != nil && !seen[sub.member.ID] {
			seen[sub.member.ID] = true
			roster = append(roster, *sub.member)
			if sub.member.ID == c.userID {
				alreadyPresent = true
			}
		}
	}
	ch.subs[c.id] = &subscriber{conn: c, member: member}
	s.mu.Unlock()

	c.track(channel)

	if member == nil {
		return nil
	}

	c.deliver(event.Envelope{
		Kind:    event.KindPresenceHere,
		Channel: channel,
		Payload: &event.PresenceHere{Members: roster},
	})

	// A second connection of the same principal does not re-announce it.
	if !alreadyPresent {
		joining := event.Envelope{
			Kind:    event.KindPresenceJoining,
			Channel: channel,
			Payload: &event.PresenceJoining{Member: *member},
		}
		for _, sub := range others {
			sub.conn.deliver(joining)
		}
		log.Debugw("member joined", "channel", channel, "user", member.ID)
	}
	return roster
}

// Leave removes a connection from a channel. If it was the principal's last
// presence subscription on that channel, remaining members are notified.
func (h *Hub) Leave(channel string, c *Conn) {
	s := h.shardFor(channel)

	s.mu.Lock()
	ch, ok := s.channels[channel]
	if !ok {
		s.mu.Unlock()
		return
	}
	sub, ok := ch.subs[c.id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(ch.subs, c.id)

	var remaining []*subscriber
	stillPresent := false
	for _, other := range ch.subs {
		remaining = append(remaining, other)
		if other.member != nil && other.member.ID == c.userID {
			stillPresent = true
		}
	}
	if len(ch.subs) == 0 {
		delete(s.channels, channel)
	}
	s.mu.Unlock()

	c.untrack(channel)

	if sub.member != nil && !stillPresent {
		leaving := event.Envelope{
			Kind:    event.KindPresenceLeaving,
			Channel: channel,
			Payload: &event.PresenceLeaving{Member: *sub.member},
		}
		for _, other := range remaining {
			other.conn.deliver(leaving)
		}
		log.Debugw("member left", "channel", channel, "user", c.userID)
	}
}

// Broadcast delivers a durable event to every subscriber of a channel except
// the connection named by exceptConnID ("to others" semantics — pass the
// empty string to reach everyone). Delivery order per (channel, sender) is
// the call order; a subscriber whose queue is full is evicted rather than
// reordered around.
func (h *Hub) Broadcast(channel string, env event.Envelope, exceptConnID string) {
	env.Channel = channel
	for _, sub := range h.snapshot(channel) {
		if sub.conn.id == exceptConnID {
			continue
		}
		sub.conn.deliver(env)
	}
}

// Whisper sends an ephemeral event to current subscribers of a shared
// channel: to a single principal when toUserID is set, otherwise to everyone
// but the sender. Best effort — never queued, never retried, silently lost
// when the recipient's buffer is full or it is not subscribed.
func (h *Hub) Whisper(channel string, from *Conn, toUserID int64, env event.Envelope) {
	env.Channel = channel
	env.SenderID = from.userID
	for _, sub := range h.snapshot(channel) {
		if sub.conn.id == from.id {
			continue
		}
		if toUserID != 0 && sub.conn.userID != toUserID {
			continue
		}
		sub.conn.whisper(env)
	}
}

// Members returns the deduplicated presence roster of a channel.
func (h *Hub) Members(channel string) []event.Member {
	seen := make(map[int64]bool)
	var out []event.Member
	for _, sub := range h.snapshot(channel) {
		if sub.member != nil && !seen[sub.member.ID] {
			seen[sub.member.ID] = true
			out = append(out, *sub.member)
		}
	}
	return out
}

// snapshot copies the subscriber list so broadcast iteration never races
// membership mutation.
func (h *Hub) snapshot(channel string) []*subscriber {
	s := h.shardFor(channel)
	s.mu.RLock()
	ch, ok := s.channels[channel]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	subs := make([]*subscriber, 0, len(ch.subs))
	for _, sub := range ch.subs {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()
	return subs
}
