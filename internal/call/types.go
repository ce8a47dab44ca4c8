// Package call is the session orchestrator: it owns the session state
// machine, one peer connection per remote participant, the signaling
// exchange (offers, answers, trickled candidates, busy/wait handshake,
// mesh introductions) and the timers that keep a mesh convergent when a
// peer never connects. All session state is owned by a single run-loop
// goroutine; the exported surface posts work into that loop.
package call

import (
	"errors"
	"time"
)

// Mode is the coarse session state, driving which operations are legal
// and what the UI should show.
type Mode string

const (
	// ModeIdle: no session, no pending attempt.
	ModeIdle Mode = "idle"
	// ModeRingingOut: offers sent, no answer yet.
	ModeRingingOut Mode = "ringing-out"
	// ModeRingingIn: an offer arrived and is being presented locally.
	ModeRingingIn Mode = "ringing-in"
	// ModeBusyNotified: a manually dialed target reported busy.
	ModeBusyNotified Mode = "busy-notified"
	// ModeWaiting: we told the busy target we are waiting for them.
	ModeWaiting Mode = "waiting"
	// ModeInSession: at least one participant answered.
	ModeInSession Mode = "in-session"
)

var (
	// ErrMediaUnavailable: no capture device of any kind could be
	// acquired, so an outgoing call or accept cannot proceed.
	ErrMediaUnavailable = errors.New("call: no local media available")
	// ErrBadState: the operation is not legal in the current mode.
	ErrBadState = errors.New("call: operation not valid in current state")
	// ErrNotRinging: accept/reject called with no incoming offer pending.
	ErrNotRinging = errors.New("call: no incoming call to act on")
	// ErrNotWaiting: cancel-wait called outside BUSY_NOTIFIED/WAITING.
	ErrNotWaiting = errors.New("call: not waiting on a busy peer")
	// ErrSelfCall: a session cannot include the local identity.
	ErrSelfCall = errors.New("call: cannot call self")
	// ErrClosed: the engine has been shut down.
	ErrClosed = errors.New("call: engine closed")
)

// EventType tags engine events pushed to subscribers (UI, control API).
type EventType string

const (
	// EventMode: the session mode changed; Mode carries the new value.
	EventMode EventType = "mode"
	// EventIncoming: an offer is ringing locally; PeerID is the caller.
	EventIncoming EventType = "incoming"
	// EventPeerState: a peer connection changed state; State carries it.
	EventPeerState EventType = "peer-state"
	// EventPeerJoined / EventPeerLeft: participant set changes.
	EventPeerJoined EventType = "peer-joined"
	EventPeerLeft   EventType = "peer-left"
	// EventBusy: a manually dialed target is busy; the UI should offer
	// wait-or-cancel.
	EventBusy EventType = "busy"
	// EventCallerWaiting: while in session, a rejected caller chose to
	// wait; the UI should offer to merge them in.
	EventCallerWaiting EventType = "caller-waiting"
	// EventRemoteTrack: a remote track was added or removed; Stream
	// points at the mutated stream.
	EventRemoteTrack EventType = "remote-track"
)

// Event is one engine notification.
type Event struct {
	Type   EventType
	PeerID string
	Mode   Mode
	State  string
	Stream *RemoteStream
}

// Notifier records call history out-of-band. Implementations must not
// block; the engine invokes them from its run loop.
type Notifier interface {
	// MissedCall records that fromID rang and was never answered.
	MissedCall(fromID string)
	// SessionEvent records a lifecycle step (started, peer-joined,
	// peer-timeout, ended) against a peer id ("" for session-wide).
	SessionEvent(kind, peerID string)
}

// NopNotifier discards everything.
type NopNotifier struct{}

func (NopNotifier) MissedCall(string) {}

func (NopNotifier) SessionEvent(string, string) {}

// Config tunes the engine timers. Zero fields take defaults.
type Config struct {
	// SelfID is the local identity; the initiator rule and recipient
	// filtering both depend on it.
	SelfID string
	// ConnectTimeout bounds how long a peer connection may stay
	// non-connected before the peer is dropped mesh-wide.
	ConnectTimeout time.Duration
	// RingTimeout bounds how long an incoming offer rings before it is
	// auto-rejected as missed.
	RingTimeout time.Duration
	// MeshRetryBackoff and MeshRetryMax govern silent retries when an
	// introduced peer reports busy during mesh growth.
	MeshRetryBackoff time.Duration
	MeshRetryMax     int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 60 * time.Second
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = 10 * time.Second
	}
	if c.MeshRetryBackoff <= 0 {
		c.MeshRetryBackoff = 2 * time.Second
	}
	if c.MeshRetryMax <= 0 {
		c.MeshRetryMax = 3
	}
}

// shouldInitiate is the deterministic glare-avoidance rule: for any
// unordered pair, the lexicographically lower identity sends the offer.
func shouldInitiate(self, other string) bool {
	return self < other
}
