// Package server is the HTTP surface: token auth, the websocket endpoint the
// realtime clients speak, and the REST API for messages, calls, and keys.
package server

import (
	"context"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/parley-chat/parley/internal/callsession"
	"github.com/parley-chat/parley/internal/event"
	"github.com/parley-chat/parley/internal/gate"
	"github.com/parley-chat/parley/internal/hub"
	"github.com/parley-chat/parley/internal/storage"
)

var log = logging.Logger("server")

// Options are the server's tunables.
type Options struct {
	Addr        string
	TokenSecret []byte
	TokenTTL    time.Duration
	// QueueSize is the per-connection outbound event buffer.
	QueueSize int
}

type Server struct {
	db    *storage.DB
	gate  *gate.Gate
	hub   *hub.Hub
	calls *callsession.Registry

	addr        string
	tokenSecret []byte
	tokenTTL    time.Duration
	queueSize   int

	httpSrv *http.Server
}

func New(db *storage.DB, g *gate.Gate, h *hub.Hub, calls *callsession.Registry, opts Options) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	s := &Server{
		db:          db,
		gate:        g,
		hub:         h,
		calls:       calls,
		addr:        opts.Addr,
		tokenSecret: opts.TokenSecret,
		tokenTTL:    opts.TokenTTL,
		queueSize:   opts.QueueSize,
	}
	return s
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWS)
	s.registerUsers(mux)
	s.registerMessages(mux)
	s.registerCalls(mux)

	handleGet(mux, "/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	return mux
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infow("listening", "addr", s.addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// UserNotifier adapts the hub into the call registry's notification sink:
// lifecycle events land on each participant's private channel.
type UserNotifier struct {
	Hub *hub.Hub
}

func (n UserNotifier) ToUser(userID int64, env event.Envelope) {
	n.Hub.Broadcast(gate.UserChannel(userID), env, "")
}
