package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/glbimr/nexa/internal/media"
)

// NewPionFactory returns a ConnFactory producing real pion peer
// connections. The source's codecs are registered on every connection's
// MediaEngine so locally captured tracks are always negotiable.
func NewPionFactory(stunURLs []string, src media.Source) ConnFactory {
	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return func() (PeerConn, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := src.ConfigureEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("call: configure media engine: %w", err)
		}

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, fmt.Errorf("call: register interceptors: %w", err)
		}

		// Generous ICE timeouts so a brief relay/NAT hiccup does not
		// immediately terminate the call. The default disconnectedTimeout
		// of 5 s is far too short for relay paths with short outages
		// during re-keying or failover.
		se := webrtc.SettingEngine{}
		se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		)

		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
		})
		if err != nil {
			return nil, fmt.Errorf("call: new peer connection: %w", err)
		}
		return &pionConn{pc: pc, senders: make(map[string]*webrtc.RTPSender)}, nil
	}
}

// pionConn adapts *webrtc.PeerConnection to PeerConn. The senders map
// keys outgoing RTP senders by local track id so SyncTracks can diff.
type pionConn struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *pionConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *pionConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *pionConn) SyncTracks(tracks []media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := make(map[string]webrtc.TrackLocal, len(tracks))
	for _, t := range tracks {
		local := t.Local()
		want[local.ID()] = local
	}

	var firstErr error
	for id, sender := range c.senders {
		if _, ok := want[id]; ok {
			continue
		}
		if err := c.pc.RemoveTrack(sender); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("call: remove track %s: %w", id, err)
		}
		delete(c.senders, id)
	}
	for id, local := range want {
		if _, ok := c.senders[id]; ok {
			continue
		}
		sender, err := c.pc.AddTrack(local)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("call: add track %s: %w", id, err)
			}
			continue
		}
		c.senders[id] = sender
	}
	return firstErr
}

func (c *pionConn) EnsureRecvDirections() error {
	// Recvonly transceivers for kinds we do not send guarantee the
	// produced SDP carries both m-lines with ICE credentials.
	haveKind := map[webrtc.RTPCodecType]bool{}
	for _, tr := range c.pc.GetTransceivers() {
		haveKind[tr.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if haveKind[kind] {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("call: add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // end of gathering
		}
		fn(cand.ToJSON())
	})
}

func (c *pionConn) OnRemoteTrack(fn func(RemoteTrack)) {
	c.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{ID: tr.ID(), Kind: tr.Kind().String(), Remote: tr})
	})
}

func (c *pionConn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) State() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
