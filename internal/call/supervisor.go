package call

import (
	"log"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/glbimr/nexa/internal/signal"
)

// startConnectTimer bounds how long the entry may stay non-connected.
// On expiry the peer is dropped and the rest of the mesh is told to
// drop it too, so every member converges on the same participant set.
func (e *Engine) startConnectTimer(ent *entry) {
	id := ent.id
	ent.connectTimer = time.AfterFunc(e.cfg.ConnectTimeout, func() {
		e.do(func() { e.onConnectTimeout(id) })
	})
}

func (e *Engine) onConnectTimeout(id string) {
	ent := e.reg.get(id)
	if ent == nil || ent.state == webrtc.PeerConnectionStateConnected {
		return
	}
	log.Printf("CALL [%s]: %s never connected within %s, dropping", e.cfg.SelfID, id, e.cfg.ConnectTimeout)
	e.notifier.SessionEvent("peer-timeout", id)
	e.dropPeer(id, "", true)
}

// onConnState tracks per-connection state. Late callbacks from a
// torn-down peer find no entry and do nothing.
func (e *Engine) onConnState(id string, st webrtc.PeerConnectionState) {
	ent := e.reg.get(id)
	if ent == nil {
		return
	}
	ent.state = st
	log.Printf("CALL [%s]: %s connection state -> %s", e.cfg.SelfID, id, st)
	e.emit(Event{Type: EventPeerState, PeerID: id, State: st.String()})

	switch st {
	case webrtc.PeerConnectionStateConnected:
		ent.stopConnectTimer()
	case webrtc.PeerConnectionStateFailed:
		// ICE gave up (well past its own disconnected grace). Converge
		// the mesh now rather than waiting out the connect timer.
		e.dropPeer(id, "peer-failed", true)
	}
}

// dropPeer removes one peer: connection, buffers, participant record.
// With announce=true the remaining participants are told to drop it as
// well. reason, when set, lands in the session history.
func (e *Engine) dropPeer(id, reason string, announce bool) {
	e.reg.drop(id)
	delete(e.expected, id)
	if _, ok := e.participants[id]; ok {
		delete(e.participants, id)
		e.emit(Event{Type: EventPeerLeft, PeerID: id})
		if reason != "" {
			e.notifier.SessionEvent(reason, id)
		}
	}
	if id == e.busyTarget {
		e.busyTarget = ""
	}
	if announce {
		for pid := range e.participants {
			e.send(signal.New(signal.TypeDropParticipant, e.cfg.SelfID, pid, signal.DropParticipantPayload{TargetID: id}))
		}
	}
	e.maybeFinish()
}

// maybeFinish returns to IDLE when nothing is left of the session.
func (e *Engine) maybeFinish() {
	if len(e.participants) > 0 || len(e.reg.entries) > 0 {
		return
	}
	switch e.mode {
	case ModeInSession:
		e.teardown(false)
		e.notifier.SessionEvent("ended", "")
	case ModeRingingOut, ModeBusyNotified, ModeWaiting:
		// A busy target that times out or fails before connecting leaves
		// nothing to wait on; fall back to IDLE.
		e.teardown(false)
	}
}

func (e *Engine) startRingTimer() {
	e.ringTimer = time.AfterFunc(e.cfg.RingTimeout, func() {
		e.do(e.onRingTimeout)
	})
}

func (e *Engine) stopRingTimer() {
	if e.ringTimer != nil {
		e.ringTimer.Stop()
		e.ringTimer = nil
	}
}

// onRingTimeout auto-rejects an offer nobody answered and records it as
// a missed call.
func (e *Engine) onRingTimeout() {
	if e.mode != ModeRingingIn {
		return
	}
	log.Printf("CALL [%s]: ring from %s timed out after %s", e.cfg.SelfID, e.ringFrom, e.cfg.RingTimeout)
	e.rejectRinging(true)
}

// teardown resets everything to IDLE: connections, buffers, caches,
// timers and local media. With notifyPeers=true every counterpart in
// flight gets a HANGUP first.
func (e *Engine) teardown(notifyPeers bool) {
	if notifyPeers {
		notified := make(map[string]struct{})
		hangup := func(id string) {
			if id == "" {
				return
			}
			if _, done := notified[id]; done {
				return
			}
			notified[id] = struct{}{}
			e.send(signal.New(signal.TypeHangup, e.cfg.SelfID, id, nil))
		}
		for id := range e.participants {
			hangup(id)
		}
		for _, id := range e.reg.ids() {
			hangup(id)
		}
		for id := range e.pendingOffers {
			hangup(id)
		}
		hangup(e.ringFrom)
		hangup(e.busyTarget)
	}

	e.stopRingTimer()
	e.reg.dropAll()
	e.participants = make(map[string]struct{})
	e.expected = make(map[string]struct{})
	e.pendingOffers = make(map[string]signal.Message)
	e.waiting = make(map[string]struct{})
	e.ringFrom, e.ringOffer = "", signal.Message{}
	e.busyTarget = ""
	e.local.Close()
	e.setMode(ModeIdle)
}
