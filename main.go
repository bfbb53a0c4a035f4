// Parley server: channel authorization, presence, event fan-out, and call
// lifecycle over a single websocket plus a small REST API.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/parley-chat/parley/internal/callsession"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/gate"
	"github.com/parley-chat/parley/internal/hub"
	"github.com/parley-chat/parley/internal/server"
	"github.com/parley-chat/parley/internal/storage"
)

var log = logging.Logger("main")

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "bad log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}

	if err := run(*configPath); err != nil {
		log.Errorw("fatal", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, created, err := config.Ensure(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		log.Infow("created default config", "path", configPath)
	}

	secret := []byte(cfg.Auth.TokenSecret)
	if len(secret) == 0 {
		// An ephemeral secret keeps a dev server usable out of the box;
		// tokens stop working on restart.
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("generate token secret: %w", err)
		}
		secret = []byte(hex.EncodeToString(b))
		log.Warnw("no token secret configured, using an ephemeral one; set PARLEY_TOKEN_SECRET")
	}

	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	log.Infow("storage ready", "path", db.Path())

	h := hub.New()
	g := gate.New(db, db)
	calls := callsession.NewRegistry(db, db, server.UserNotifier{Hub: h})

	srv := server.New(db, g, h, calls, server.Options{
		Addr:        cfg.Server.HTTPAddr,
		TokenSecret: secret,
		TokenTTL:    time.Duration(cfg.Auth.TokenTTLHours) * time.Hour,
		QueueSize:   cfg.Realtime.QueueSize,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Infow("shutting down", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
