package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-chat/parley/internal/event"
	"github.com/parley-chat/parley/internal/gate"
	"github.com/parley-chat/parley/internal/hub"
	"github.com/parley-chat/parley/internal/proto"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// Clients connect from app webviews and local dev origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 64 << 10
)

// wsSession is one live websocket: the hub connection plus a control lane so
// the read loop can emit acks and errors without racing the event writer.
type wsSession struct {
	ws   *websocket.Conn
	conn *hub.Conn
	ctl  chan proto.Frame
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw := requestToken(r)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	p, err := s.verifyToken(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("upgrade failed", "err", err)
		return
	}

	conn, first := s.hub.OpenConn(p.UserID, s.queueSize)
	if first {
		s.setOnline(p.UserID, true)
	}
	log.Debugw("ws connected", "user", p.UserID, "conn", conn.ID(), "first", first)

	sess := &wsSession{ws: ws, conn: conn, ctl: make(chan proto.Frame, 16)}
	go s.writePump(sess)
	s.readPump(sess, p)

	if last := s.hub.CloseConn(conn); last {
		s.setOnline(p.UserID, false)
	}
	ws.Close()
	log.Debugw("ws closed", "user", p.UserID, "conn", conn.ID())
}

// setOnline flips the stored flag and announces the change on the public
// presence channel.
func (s *Server) setOnline(userID int64, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.SetOnline(ctx, userID, online); err != nil {
		log.Warnw("set online", "user", userID, "err", err)
	}
	m, err := s.db.Member(ctx, userID)
	if err != nil {
		return
	}
	var env event.Envelope
	if online {
		env = event.Envelope{
			Kind:    event.KindUserOnline,
			Payload: &event.UserOnline{UserID: m.ID, Name: m.Name, Avatar: m.Avatar, IsOnline: true},
		}
	} else {
		env = event.Envelope{
			Kind:    event.KindUserOffline,
			Payload: &event.UserOffline{UserID: m.ID, Name: m.Name, IsOnline: false},
		}
	}
	s.hub.Broadcast(gate.OnlineUsersChannel(), env, "")
}

func (s *Server) writePump(sess *wsSession) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	write := func(f proto.Frame) bool {
		sess.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := sess.ws.WriteJSON(f); err != nil {
			sess.ws.Close()
			return false
		}
		return true
	}

	for {
		select {
		case env, ok := <-sess.conn.Events():
			if !ok {
				return
			}
			raw, err := json.Marshal(env)
			if err != nil {
				log.Warnw("encode event", "kind", env.Kind, "err", err)
				continue
			}
			if !write(proto.Frame{Op: proto.OpEvent, Channel: env.Channel, Event: raw}) {
				return
			}
		case f := <-sess.ctl:
			if !write(f) {
				return
			}
		case <-ticker.C:
			sess.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sess.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.ws.Close()
				return
			}
		case <-sess.conn.Closed():
			sess.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			sess.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

func (s *Server) readPump(sess *wsSession, p principal) {
	sess.ws.SetReadLimit(wsReadLimit)
	sess.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	sess.ws.SetPongHandler(func(string) error {
		sess.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	reply := func(f proto.Frame) {
		select {
		case sess.ctl <- f:
		case <-sess.conn.Closed():
		}
	}

	for {
		var f proto.Frame
		if err := sess.ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case proto.OpSubscribe:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			grant, err := s.gate.Authorize(ctx, p.UserID, f.Channel)
			cancel()
			if err != nil {
				log.Debugw("subscribe denied", "user", p.UserID, "channel", f.Channel, "err", err)
				reply(proto.Frame{Op: proto.OpError, Channel: f.Channel, Code: proto.ErrCodeDenied})
				continue
			}
			roster := s.hub.Join(f.Channel, sess.conn, grant.Member)
			ack := proto.Frame{Op: proto.OpAck, Channel: f.Channel}
			if grant.Member != nil {
				if raw, err := json.Marshal(roster); err == nil {
					ack.Event = raw
				}
			}
			reply(ack)

		case proto.OpUnsubscribe:
			s.hub.Leave(f.Channel, sess.conn)

		case proto.OpWhisper:
			if !sess.conn.Subscribed(f.Channel) {
				reply(proto.Frame{Op: proto.OpError, Channel: f.Channel, Code: proto.ErrCodeDenied})
				continue
			}
			var env event.Envelope
			if err := json.Unmarshal(f.Event, &env); err != nil || !event.Ephemeral(env.Kind) {
				reply(proto.Frame{Op: proto.OpError, Channel: f.Channel, Code: proto.ErrCodeBadKind})
				continue
			}
			s.hub.Whisper(f.Channel, sess.conn, f.To, env)

		default:
			reply(proto.Frame{Op: proto.OpError, Code: proto.ErrCodeBadOp})
		}
	}
}
