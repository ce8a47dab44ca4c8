// Package media is the local media capability the call engine consumes:
// acquire a track of a given kind, or fail with ErrUnavailable. The
// device-backed source lives behind build tags (V4L2 + malgo capture is
// Linux-only); everywhere else acquisition fails and calls proceed
// receive-only.
package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Kind selects what to capture.
type Kind string

const (
	KindAudio   Kind = "audio"
	KindVideo   Kind = "video"
	KindDisplay Kind = "display"
)

// ErrUnavailable means no capture device for the requested kind could
// be acquired (missing hardware, busy device, denied permission, or an
// unsupported platform).
var ErrUnavailable = errors.New("media: no capture device available")

// Track is one local capture track, attachable to any number of peer
// connections. Close releases the underlying device.
type Track interface {
	Kind() Kind
	Local() webrtc.TrackLocal
	Close() error
}

// Source acquires local tracks and knows which codecs they produce.
type Source interface {
	// Acquire opens a capture track of the given kind, or returns
	// ErrUnavailable.
	Acquire(kind Kind) (Track, error)

	// ConfigureEngine registers the codecs this source's tracks use.
	// Must be called on the MediaEngine of every peer connection that
	// will send these tracks.
	ConfigureEngine(me *webrtc.MediaEngine) error
}

// Unavailable returns a source whose every acquisition fails. It keeps
// the engine runnable when device initialization failed at startup.
func Unavailable() Source { return unavailableSource{} }

type unavailableSource struct{}

func (unavailableSource) Acquire(Kind) (Track, error) { return nil, ErrUnavailable }

func (unavailableSource) ConfigureEngine(*webrtc.MediaEngine) error { return nil }

// LocalSet holds the tracks currently shared with all peer connections.
// Only the call engine mutates it, via swap-then-notify: the set is
// updated first, then every peer connection is re-synced, so no peer
// ever sends a stale or closed track.
type LocalSet struct {
	mu     sync.Mutex
	tracks map[Kind]Track
}

func NewLocalSet() *LocalSet {
	return &LocalSet{tracks: make(map[Kind]Track)}
}

// Get returns the current track of the given kind.
func (s *LocalSet) Get(kind Kind) (Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[kind]
	return t, ok
}

// Put swaps in a new track and returns the replaced one (nil if none).
// The caller closes the old track after peers have been re-synced.
func (s *LocalSet) Put(kind Kind, t Track) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.tracks[kind]
	s.tracks[kind] = t
	return old
}

// Remove takes the track of the given kind out of the set and returns
// it (nil if none).
func (s *LocalSet) Remove(kind Kind) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[kind]
	if !ok {
		return nil
	}
	delete(s.tracks, kind)
	return t
}

// Tracks returns the current tracks in no particular order.
func (s *LocalSet) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// Kinds returns the kinds currently present.
func (s *LocalSet) Kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Kind, 0, len(s.tracks))
	for k := range s.tracks {
		out = append(out, k)
	}
	return out
}

// Close releases every track and empties the set.
func (s *LocalSet) Close() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = make(map[Kind]Track)
	s.mu.Unlock()
	for _, t := range tracks {
		_ = t.Close()
	}
}
