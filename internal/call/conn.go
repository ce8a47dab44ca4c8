package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/glbimr/nexa/internal/media"
)

// PeerConn is the slice of a WebRTC peer connection the engine needs.
// The production implementation wraps *webrtc.PeerConnection; tests
// substitute a scripted fake so multi-engine scenarios run without
// devices or network.
//
// Callbacks may fire from transport goroutines; the engine re-posts
// them into its run loop before touching session state.
type PeerConn interface {
	// CreateOffer produces an offer; the caller applies it with
	// SetLocalDescription before sending.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer produces an answer for the current remote offer.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// SyncTracks makes the connection's outgoing senders match the
	// given set exactly, adding and removing as needed.
	SyncTracks(tracks []media.Track) error
	// EnsureRecvDirections guarantees audio and video m-lines exist so
	// produced descriptions always negotiate both directions, even with
	// no local track of that kind.
	EnsureRecvDirections() error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnRemoteTrack(fn func(RemoteTrack))
	OnStateChange(fn func(webrtc.PeerConnectionState))

	State() webrtc.PeerConnectionState
	Close() error
}

// ConnFactory mints one PeerConn per remote participant.
type ConnFactory func() (PeerConn, error)
