// Package app wires the process together: config, identity, transport
// (libp2p mesh or websocket relay), presence, media, the call engine,
// the notification store, and the HTTP control API.
package app

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/glbimr/nexa/internal/call"
	"github.com/glbimr/nexa/internal/config"
	"github.com/glbimr/nexa/internal/media"
	"github.com/glbimr/nexa/internal/notify"
	"github.com/glbimr/nexa/internal/p2p"
	"github.com/glbimr/nexa/internal/relay"
	"github.com/glbimr/nexa/internal/signal"
	"github.com/glbimr/nexa/internal/state"
	"github.com/glbimr/nexa/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// RunPeer runs a full peer until the context ends.
func RunPeer(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logs := util.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))
	log.Printf("APP: peer starting (dir=%s)", opt.PeerDir)

	// Profile label, swappable on config reload.
	var label atomic.Value
	label.Store(cfg.Profile.Label)
	selfLabel := func() string { return label.Load().(string) }

	peers := state.NewTable()
	keyFile := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)

	// Transport: the relay client when a relay URL is configured, the
	// libp2p mesh otherwise. Both carry the same identity.
	var (
		tr     signal.Transport
		node   *p2p.Node
		selfID string
	)
	if cfg.Relay.URL != "" {
		id, err := p2p.IdentityID(keyFile)
		if err != nil {
			return err
		}
		selfID = id
		ws, err := signal.DialRelay(cfg.Relay.URL, selfID, selfLabel())
		if err != nil {
			return err
		}
		tr = ws
		go feedRelayPresence(ws, peers)
		log.Printf("APP: signaling via relay %s", cfg.Relay.URL)
	} else {
		n, err := p2p.New(ctx, p2p.Options{
			ListenPort:    cfg.P2P.ListenPort,
			KeyFile:       keyFile,
			MdnsTag:       cfg.P2P.MdnsTag,
			PresenceTopic: cfg.Presence.Topic,
			Bootstrap:     cfg.P2P.Bootstrap,
		}, peers, selfLabel)
		if err != nil {
			return err
		}
		node = n
		tr = n
		selfID = n.ID()
		ttl := time.Duration(cfg.Presence.TTLSec) * time.Second
		n.RunPresenceLoop(ctx)
		n.StartPresenceHeartbeat(ctx, time.Duration(cfg.Presence.HeartbeatSec)*time.Second, ttl, 2*ttl)
		log.Printf("APP: signaling via p2p mesh")
	}

	store, err := notify.Open(util.ResolvePath(opt.PeerDir, cfg.Notify.DBDir))
	if err != nil {
		tr.Close()
		return err
	}

	src, err := media.NewDeviceSource()
	if err != nil {
		log.Printf("APP: media devices unavailable, calls will be receive-only: %v", err)
		src = media.Unavailable()
	}

	// The factory is swapped on config reload so new STUN servers apply
	// to subsequently created peer connections; live ones keep theirs.
	var factory atomic.Value
	factory.Store(call.NewPionFactory(cfg.Call.STUNURLs, src))
	connFactory := call.ConnFactory(func() (call.PeerConn, error) {
		return factory.Load().(call.ConnFactory)()
	})

	engine := call.New(call.Config{
		SelfID:           selfID,
		ConnectTimeout:   cfg.ConnectTimeout(),
		RingTimeout:      cfg.RingTimeout(),
		MeshRetryBackoff: cfg.MeshRetryBackoff(),
		MeshRetryMax:     cfg.Call.MeshRetryMax,
	}, tr, src, connFactory, store)

	watcher, err := config.Watch(opt.CfgPath, func(next config.Config) {
		factory.Store(call.NewPionFactory(next.Call.STUNURLs, src))
		label.Store(next.Profile.Label)
	})
	if err != nil {
		log.Printf("APP: config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	api := NewAPI(engine, peers, store, selfID, selfLabel)
	api.logs = logs
	srv := &http.Server{Addr: cfg.API.HTTPAddr, Handler: api.Handler()}
	go func() {
		log.Printf("APP: control api on http://%s", cfg.API.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("APP: control api: %v", err)
		}
	}()

	log.Printf("APP: peer %s (%s) online", selfID, selfLabel())
	<-ctx.Done()

	// Shutdown order: stop taking requests, announce departure, then
	// tear the engine down so hangups still reach the transport.
	shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shctx)
	if node != nil {
		if err := node.PublishPresence(shctx, p2p.TypeOffline); err != nil {
			log.Printf("APP: offline announce: %v", err)
		}
	}
	engine.Close()
	tr.Close()
	store.Close()
	log.Printf("APP: peer stopped")
	return nil
}

// feedRelayPresence turns the relay's presence feed into table updates.
// The engine shares the transport but ignores presence traffic.
func feedRelayPresence(tr signal.Transport, peers *state.Table) {
	ch, cancel := tr.Subscribe()
	defer cancel()
	for msg := range ch {
		if msg.Type != signal.TypePresence {
			continue
		}
		p, err := msg.Presence()
		if err != nil {
			continue
		}
		if p.Online {
			peers.Upsert(p.PeerID, p.Label)
		} else {
			peers.MarkOffline(p.PeerID)
		}
	}
}

// RunRelay runs the signaling relay until the context ends.
func RunRelay(ctx context.Context, opt Options) error {
	srv := &http.Server{
		Addr:    opt.Cfg.Relay.ListenAddr,
		Handler: relay.NewServer().Handler(),
	}
	go func() {
		log.Printf("APP: relay listening on %s", opt.Cfg.Relay.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("APP: relay: %v", err)
		}
	}()

	<-ctx.Done()
	shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shctx)
}
