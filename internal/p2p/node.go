// Package p2p is the primary signaling transport: a libp2p host that
// discovers peers over mDNS, announces presence on a gossip topic, and
// carries addressed signaling envelopes over a dedicated stream
// protocol. The relay transport covers peers this mesh cannot reach.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/glbimr/nexa/internal/signal"
	"github.com/glbimr/nexa/internal/state"
)

const (
	// SignalProtoID is the stream protocol for addressed envelopes.
	SignalProtoID = "/nexa/signal/1.0.0"

	dialTimeout = 10 * time.Second
)

// Presence message types on the gossip topic.
const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

func init() {
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// PresenceMsg is one gossip announcement.
type PresenceMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
	Label  string `json:"label,omitempty"`
	TS     int64  `json:"ts"`
}

// Options configure the node. Zero values fall back to sane defaults
// except KeyFile, which is required.
type Options struct {
	ListenPort    int
	KeyFile       string
	MdnsTag       string
	PresenceTopic string

	// Multiaddrs dialed at startup for peers mDNS cannot see.
	Bootstrap []string
}

// Node wraps the libp2p host and implements signal.Transport for
// addressed traffic. Presence rides the gossip topic instead.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	peers     *state.Table
	selfLabel func() string

	mu        sync.Mutex
	closed    bool
	listeners map[chan signal.Message]struct{}
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Printf("P2P: mdns connect to %s: %v", pi.ID, err)
	}
}

// loadOrCreateKey returns the node identity, generating and persisting
// an Ed25519 key on first run. The bool reports whether the key was
// loaded from disk.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	if data, err := os.ReadFile(keyFile); err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, false, fmt.Errorf("unmarshal identity key: %w", err)
		}
		return priv, true, nil
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, false, fmt.Errorf("generate identity key: %w", err)
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(keyFile, data, 0600); err != nil {
		return nil, false, err
	}
	return priv, false, nil
}

// IdentityID derives the peer identity from the key file without
// starting a host, so relay-mode peers keep the same id they would
// have on the mesh.
func IdentityID(keyFile string) (string, error) {
	priv, _, err := loadOrCreateKey(keyFile)
	if err != nil {
		return "", err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return pid.String(), nil
}

// New starts the libp2p host, mDNS discovery, and the presence topic.
// The caller still has to run the presence loop and heartbeat.
func New(ctx context.Context, opts Options, peers *state.Table, selfLabel func() string) (*Node, error) {
	if opts.MdnsTag == "" {
		opts.MdnsTag = "nexa-mdns"
	}
	if opts.PresenceTopic == "" {
		opts.PresenceTopic = "nexa.presence.v1"
	}

	priv, loaded, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if loaded {
		log.Printf("P2P: identity loaded from %s", opts.KeyFile)
	} else {
		log.Printf("P2P: new identity written to %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	svc := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
	if err := svc.Start(); err != nil {
		h.Close()
		return nil, fmt.Errorf("mdns: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}
	topic, err := ps.Join(opts.PresenceTopic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("join %s: %w", opts.PresenceTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("subscribe %s: %w", opts.PresenceTopic, err)
	}

	go bootstrapConnect(h, opts.Bootstrap)

	n := &Node{
		Host:      h,
		ps:        ps,
		topic:     topic,
		sub:       sub,
		peers:     peers,
		selfLabel: selfLabel,
		listeners: make(map[chan signal.Message]struct{}),
	}
	h.SetStreamHandler(protocol.ID(SignalProtoID), n.handleSignalStream)

	log.Printf("P2P: host %s listening on %v", h.ID(), h.Addrs())
	return n, nil
}

// bootstrapConnect dials configured peers in the background. Failures
// only cost a log line; mDNS and gossip still find whoever is local.
func bootstrapConnect(h host.Host, addrs []string) {
	for _, raw := range addrs {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			log.Printf("P2P: bootstrap addr %q: %v", raw, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Printf("P2P: bootstrap addr %q: %v", raw, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		if err := h.Connect(ctx, *info); err != nil {
			log.Printf("P2P: bootstrap connect %s: %v", info.ID, err)
		} else {
			log.Printf("P2P: bootstrap connected to %s", info.ID)
		}
		cancel()
	}
}

// ID is the peer identity used in signaling envelopes.
func (n *Node) ID() string {
	return n.Host.ID().String()
}

func (n *Node) handleSignalStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer().String()
	dec := json.NewDecoder(s)
	for {
		var msg signal.Message
		if err := dec.Decode(&msg); err != nil {
			return
		}
		// The stream, not the envelope, is authoritative for identity.
		msg.SenderID = remote
		if !msg.For(n.ID()) {
			continue
		}
		n.fanout(msg)
	}
}

func (n *Node) fanout(msg signal.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.listeners {
		select {
		case ch <- msg:
		default:
			log.Printf("P2P: listener full, dropping %s from %s", msg.Type, msg.SenderID)
		}
	}
}

// Send opens (or reuses the connection for) a stream to the recipient
// and writes one envelope. Delivery is best-effort: unreachable peers
// cost a log line, not an error.
func (n *Node) Send(msg signal.Message) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return fmt.Errorf("p2p: node is closed")
	}
	if msg.RecipientID == "" {
		// Only addressed traffic rides streams; presence has its own topic.
		log.Printf("P2P: dropping unaddressed %s", msg.Type)
		return nil
	}

	pid, err := peer.Decode(msg.RecipientID)
	if err != nil {
		log.Printf("P2P: bad recipient %q: %v", msg.RecipientID, err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := n.Host.Connect(ctx, peer.AddrInfo{ID: pid}); err != nil {
		log.Printf("P2P: connect %s for %s: %v", msg.RecipientID, msg.Type, err)
		return nil
	}
	s, err := n.Host.NewStream(ctx, pid, protocol.ID(SignalProtoID))
	if err != nil {
		log.Printf("P2P: stream %s for %s: %v", msg.RecipientID, msg.Type, err)
		return nil
	}
	defer s.Close()
	if err := json.NewEncoder(s).Encode(msg); err != nil {
		log.Printf("P2P: write %s to %s: %v", msg.Type, msg.RecipientID, err)
	}
	return nil
}

// Subscribe registers a listener for inbound signaling envelopes.
func (n *Node) Subscribe() (chan signal.Message, func()) {
	ch := make(chan signal.Message, 256)
	n.mu.Lock()
	if n.closed {
		close(ch)
		n.mu.Unlock()
		return ch, func() {}
	}
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if _, ok := n.listeners[ch]; ok {
			delete(n.listeners, ch)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// PublishPresence announces this node on the gossip topic.
func (n *Node) PublishPresence(ctx context.Context, typ string) error {
	msg := PresenceMsg{
		Type:   typ,
		PeerID: n.ID(),
		TS:     time.Now().Unix(),
	}
	if typ != TypeOffline {
		msg.Label = n.selfLabel()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, data)
}

// RunPresenceLoop consumes the gossip topic into the peer table until
// the context ends.
func (n *Node) RunPresenceLoop(ctx context.Context) {
	go func() {
		for {
			raw, err := n.sub.Next(ctx)
			if err != nil {
				return
			}
			var msg PresenceMsg
			if err := json.Unmarshal(raw.Data, &msg); err != nil {
				continue
			}
			if msg.PeerID == "" || msg.PeerID == n.ID() {
				continue
			}
			switch msg.Type {
			case TypeOnline, TypeUpdate:
				n.peers.Upsert(msg.PeerID, msg.Label)
			case TypeOffline:
				n.peers.MarkOffline(msg.PeerID)
			}
		}
	}()
}

// StartPresenceHeartbeat announces immediately, then keeps announcing
// on the interval and prunes peers that went quiet.
func (n *Node) StartPresenceHeartbeat(ctx context.Context, interval, ttl, offlineGrace time.Duration) {
	go func() {
		if err := n.PublishPresence(ctx, TypeOnline); err != nil {
			log.Printf("P2P: presence online: %v", err)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := n.PublishPresence(ctx, TypeUpdate); err != nil {
					log.Printf("P2P: presence update: %v", err)
				}
				now := time.Now()
				n.peers.PruneStale(now.Add(-ttl), now.Add(-offlineGrace))
			}
		}
	}()
}

// Close tears down listeners, the topic subscription, and the host.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for ch := range n.listeners {
		close(ch)
	}
	n.listeners = nil
	n.mu.Unlock()

	n.sub.Cancel()
	return n.Host.Close()
}
