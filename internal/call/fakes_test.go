package call

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/glbimr/nexa/internal/media"
	"github.com/glbimr/nexa/internal/signal"
)

// fakeConn is a scripted PeerConn: descriptions are opaque strings,
// candidates are recorded, and tests drive connection state by hand.
type fakeConn struct {
	mu         sync.Mutex
	state      webrtc.PeerConnectionState
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	remoteSets int
	offers     int
	answers    int
	candidates []webrtc.ICECandidateInit
	syncedKinds int
	failRemote error
	closed     bool

	onCand  func(webrtc.ICECandidateInit)
	onTrack func(RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer %d", c.offers)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0 answer %d", c.answers)}, nil
}

func (c *fakeConn) SetLocalDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localDesc = &sd
	return nil
}

func (c *fakeConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRemote != nil {
		return c.failRemote
	}
	c.remoteDesc = &sd
	c.remoteSets++
	return nil
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) SyncTracks(tracks []media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncedKinds = len(tracks)
	return nil
}

func (c *fakeConn) EnsureRecvDirections() error { return nil }

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCand = fn
}

func (c *fakeConn) OnRemoteTrack(fn func(RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *fakeConn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *fakeConn) State() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = webrtc.PeerConnectionStateClosed
	return nil
}

// fireState simulates a connection state transition.
func (c *fakeConn) fireState(st webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.state = st
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// emitCandidate simulates local ICE gathering producing a candidate.
func (c *fakeConn) emitCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onCand
	c.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

// emitTrack simulates a remote track arriving.
func (c *fakeConn) emitTrack(t RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (c *fakeConn) candidateList() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.candidates))
	copy(out, c.candidates)
	return out
}

func (c *fakeConn) remoteSetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSets
}

// fakeFactory hands out fakeConns and remembers them for the test.
type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) New() (PeerConn, error) {
	c := &fakeConn{state: webrtc.PeerConnectionStateNew}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) all() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeConn, len(f.conns))
	copy(out, f.conns)
	return out
}

func (f *fakeFactory) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// connectAll marks every open fake connection as connected.
func (f *fakeFactory) connectAll() {
	for _, c := range f.all() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.fireState(webrtc.PeerConnectionStateConnected)
		}
	}
}

// fakeSource mints in-memory tracks; kinds in deny fail like a missing
// device. Display is denied by default, matching the platform sources.
type fakeSource struct {
	mu   sync.Mutex
	deny map[media.Kind]bool
	seq  int
}

func newFakeSource(deny ...media.Kind) *fakeSource {
	m := map[media.Kind]bool{media.KindDisplay: true}
	for _, k := range deny {
		m[k] = true
	}
	return &fakeSource{deny: m}
}

func (s *fakeSource) ConfigureEngine(*webrtc.MediaEngine) error { return nil }

func (s *fakeSource) Acquire(kind media.Kind) (media.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deny[kind] {
		return nil, media.ErrUnavailable
	}
	s.seq++
	mime := webrtc.MimeTypeOpus
	if kind != media.KindAudio {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		fmt.Sprintf("%s-%d", kind, s.seq), "fake-capture",
	)
	if err != nil {
		return nil, err
	}
	return &fakeTrack{kind: kind, local: local}, nil
}

type fakeTrack struct {
	kind  media.Kind
	local webrtc.TrackLocal
}

func (t *fakeTrack) Kind() media.Kind         { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal { return t.local }
func (t *fakeTrack) Close() error             { return nil }

// fakeNotifier records history calls.
type fakeNotifier struct {
	mu     sync.Mutex
	missed []string
	events []string
}

func (n *fakeNotifier) MissedCall(from string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missed = append(n.missed, from)
}

func (n *fakeNotifier) SessionEvent(kind, peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, kind+":"+peerID)
}

func (n *fakeNotifier) missedFrom(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.missed {
		if m == id {
			return true
		}
	}
	return false
}

// testPeer bundles one engine with its doubles.
type testPeer struct {
	id       string
	engine   *Engine
	factory  *fakeFactory
	source   *fakeSource
	notifier *fakeNotifier
}

func newTestPeer(t *testing.T, hub *signal.MemoryHub, id string, cfg Config) *testPeer {
	t.Helper()
	cfg.SelfID = id
	p := &testPeer{
		id:       id,
		factory:  &fakeFactory{},
		source:   newFakeSource(),
		notifier: &fakeNotifier{},
	}
	p.engine = New(cfg, hub.Endpoint(id), p.source, p.factory.New, p.notifier)
	t.Cleanup(p.engine.Close)
	return p
}

func testConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		RingTimeout:      5 * time.Second,
		MeshRetryBackoff: 20 * time.Millisecond,
		MeshRetryMax:     2,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasParticipant(e *Engine, id string) bool {
	for _, p := range e.Participants() {
		if p == id {
			return true
		}
	}
	return false
}
