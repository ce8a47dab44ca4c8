package call

import (
	"sort"
	"time"

	"github.com/pion/webrtc/v4"
)

// entry is the per-remote-participant record: the live connection, its
// observed state, and the mesh bookkeeping that travels with it. The
// registry and every entry are owned by the engine run loop; nothing
// here is locked.
type entry struct {
	id        string
	conn      PeerConn
	createdAt time.Time
	state     webrtc.PeerConnectionState

	// remoteSet flips once a remote description has been applied; from
	// then on candidates apply directly instead of buffering.
	remoteSet bool

	// viaMesh marks connections born from an add-to-call introduction.
	// Their busy handling is silent-retry, never a user prompt.
	viaMesh bool
	// retries counts busy retries consumed; dies with the entry.
	retries int

	stream *RemoteStream

	connectTimer *time.Timer
}

func (e *entry) stopConnectTimer() {
	if e.connectTimer != nil {
		e.connectTimer.Stop()
		e.connectTimer = nil
	}
}

// registry holds the live entries plus the early-candidate buffers.
// Buffers are keyed separately from entries: candidates can arrive for
// a peer we have not built a connection for yet.
type registry struct {
	entries map[string]*entry
	buffers map[string][]webrtc.ICECandidateInit
}

func newRegistry() *registry {
	return &registry{
		entries: make(map[string]*entry),
		buffers: make(map[string][]webrtc.ICECandidateInit),
	}
}

func (r *registry) get(id string) *entry { return r.entries[id] }

func (r *registry) put(e *entry) { r.entries[e.id] = e }

// drop closes and forgets the entry for id along with its candidate
// buffer. Safe to call for unknown ids.
func (r *registry) drop(id string) {
	if e, ok := r.entries[id]; ok {
		e.stopConnectTimer()
		_ = e.conn.Close()
		e.stream.clear()
		delete(r.entries, id)
	}
	delete(r.buffers, id)
}

// dropEntry closes and forgets only the entry, keeping any buffered
// candidates for a replacement connection to the same peer.
func (r *registry) dropEntry(id string) {
	if e, ok := r.entries[id]; ok {
		e.stopConnectTimer()
		_ = e.conn.Close()
		e.stream.clear()
		delete(r.entries, id)
	}
}

// dropAll tears down every entry and buffer.
func (r *registry) dropAll() {
	for id := range r.entries {
		r.drop(id)
	}
	r.buffers = make(map[string][]webrtc.ICECandidateInit)
}

func (r *registry) ids() []string {
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// maxBufferedCandidates bounds the early-candidate buffer per sender.
// A sender that trickles candidates but never follows up with an offer
// must not grow state on an idle engine.
const maxBufferedCandidates = 64

// buffer stashes an early candidate in arrival order. Returns false
// when the sender's buffer is full and the candidate was discarded.
func (r *registry) buffer(id string, c webrtc.ICECandidateInit) bool {
	if len(r.buffers[id]) >= maxBufferedCandidates {
		return false
	}
	r.buffers[id] = append(r.buffers[id], c)
	return true
}

// takeBuffered removes and returns the buffered candidates for id in
// arrival order. Each buffer is consumed exactly once.
func (r *registry) takeBuffered(id string) []webrtc.ICECandidateInit {
	out := r.buffers[id]
	delete(r.buffers, id)
	return out
}
