package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteTrack is one track received from a peer. Remote is nil when the
// connection implementation has no pion track (tests).
type RemoteTrack struct {
	ID     string
	Kind   string
	Remote *webrtc.TrackRemote
}

// RemoteStream is the per-peer container renderers bind to once. Track
// changes mutate the container in place, so a renegotiation never forces
// the consumer to re-bind; it just observes add/remove callbacks.
type RemoteStream struct {
	peerID string

	mu       sync.Mutex
	tracks   map[string]RemoteTrack
	onChange func(RemoteTrack, bool)
}

func newRemoteStream(peerID string) *RemoteStream {
	return &RemoteStream{peerID: peerID, tracks: make(map[string]RemoteTrack)}
}

// PeerID returns the owning peer identity.
func (s *RemoteStream) PeerID() string { return s.peerID }

// OnChange installs the single change callback, invoked with
// (track, true) on add/replace and (track, false) on removal.
func (s *RemoteStream) OnChange(fn func(track RemoteTrack, added bool)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Tracks returns the current tracks.
func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RemoteTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *RemoteStream) upsert(t RemoteTrack) {
	s.mu.Lock()
	s.tracks[t.ID] = t
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(t, true)
	}
}

func (s *RemoteStream) remove(id string) {
	s.mu.Lock()
	t, ok := s.tracks[id]
	if ok {
		delete(s.tracks, id)
	}
	fn := s.onChange
	s.mu.Unlock()
	if ok && fn != nil {
		fn(t, false)
	}
}

func (s *RemoteStream) clear() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = make(map[string]RemoteTrack)
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		for _, t := range tracks {
			fn(t, false)
		}
	}
}
