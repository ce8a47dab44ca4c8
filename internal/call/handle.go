package call

import (
	"log"
	"time"

	"github.com/glbimr/nexa/internal/signal"
)

// handleMessage dispatches one inbound signaling message. Runs on the
// run loop; malformed payloads are logged and dropped.
func (e *Engine) handleMessage(msg signal.Message) {
	if msg.SenderID == e.cfg.SelfID || !msg.For(e.cfg.SelfID) {
		return
	}
	switch msg.Type {
	case signal.TypeOffer:
		e.handleOffer(msg)
	case signal.TypeAnswer:
		e.handleAnswer(msg)
	case signal.TypeCandidate:
		e.handleCandidate(msg)
	case signal.TypeBusy:
		e.handleBusy(msg)
	case signal.TypeWaitNotify:
		e.handleWaitNotify(msg)
	case signal.TypeAddToCall:
		e.handleAddToCall(msg)
	case signal.TypeDropParticipant:
		e.handleDropParticipant(msg)
	case signal.TypeHangup:
		e.handleHangup(msg)
	case signal.TypePresence:
		// Routed to the presence table before the engine sees traffic.
	default:
		log.Printf("CALL [%s]: unknown message type %q from %s", e.cfg.SelfID, msg.Type, msg.SenderID)
	}
}

func (e *Engine) handleOffer(msg signal.Message) {
	p, err := msg.Offer()
	if err != nil {
		log.Printf("CALL [%s]: %v", e.cfg.SelfID, err)
		return
	}
	from := msg.SenderID

	if ent := e.reg.get(from); ent != nil {
		if from == e.busyTarget && !ent.remoteSet {
			// The busy target freed up and called back; their offer
			// supersedes our stale one regardless of the initiator rule.
			e.busyTarget = ""
			e.reg.dropEntry(from)
			if err := e.answerFresh(from, p.SDP, false); err != nil {
				log.Printf("CALL [%s]: %v", e.cfg.SelfID, err)
				e.dropPeer(from, "negotiation-failed", false)
				return
			}
			e.setMode(ModeInSession)
			return
		}
		if !ent.remoteSet {
			// Glare: both sides dialed each other before either answer
			// landed. The lexicographically lower id keeps its offer;
			// the other side discards its attempt and answers instead.
			if shouldInitiate(e.cfg.SelfID, from) {
				log.Printf("CALL [%s]: glare with %s, keeping own offer", e.cfg.SelfID, from)
				return
			}
			log.Printf("CALL [%s]: glare with %s, yielding to their offer", e.cfg.SelfID, from)
			viaMesh := ent.viaMesh
			e.reg.dropEntry(from)
			if err := e.answerFresh(from, p.SDP, viaMesh); err != nil {
				log.Printf("CALL [%s]: %v", e.cfg.SelfID, err)
				e.dropPeer(from, "negotiation-failed", false)
				return
			}
			if e.mode == ModeRingingOut {
				e.setMode(ModeInSession)
			}
			return
		}
		// Known live peer re-offering: renegotiation (track change on
		// their side). Answer in place, no state transition.
		if err := e.answerOn(ent, p.SDP); err != nil {
			log.Printf("CALL [%s]: %v", e.cfg.SelfID, err)
			e.dropPeer(from, "negotiation-failed", true)
		}
		return
	}

	switch e.mode {
	case ModeIdle:
		e.ringFrom, e.ringOffer = from, msg
		e.startRingTimer()
		e.setMode(ModeRingingIn)
		e.emit(Event{Type: EventIncoming, PeerID: from})

	case ModeRingingIn:
		if from == e.ringFrom {
			e.ringOffer = msg // refreshed offer from the same caller
			return
		}
		// Queued behind the ringing offer; resolved by accept/reject.
		e.pendingOffers[from] = msg

	case ModeInSession:
		if _, ok := e.expected[from]; ok {
			// A mesh-introduced peer dialing in as instructed.
			if err := e.answerFresh(from, p.SDP, true); err != nil {
				log.Printf("CALL [%s]: %v", e.cfg.SelfID, err)
				delete(e.expected, from)
			}
			return
		}
		e.pendingOffers[from] = msg
		e.send(signal.New(signal.TypeBusy, e.cfg.SelfID, from, nil))

	default: // RingingOut to someone else, BusyNotified, Waiting
		e.pendingOffers[from] = msg
		e.send(signal.New(signal.TypeBusy, e.cfg.SelfID, from, nil))
	}
}

func (e *Engine) handleAnswer(msg signal.Message) {
	from := msg.SenderID
	ent := e.reg.get(from)
	if ent == nil {
		log.Printf("CALL [%s]: answer from %s with no pending offer", e.cfg.SelfID, from)
		return
	}
	p, err := msg.Answer()
	if err != nil {
		log.Printf("CALL [%s]: %v", e.cfg.SelfID, err)
		return
	}
	if err := ent.conn.SetRemoteDescription(p.SDP); err != nil {
		log.Printf("CALL [%s]: apply answer from %s: %v", e.cfg.SelfID, from, err)
		e.send(signal.New(signal.TypeHangup, e.cfg.SelfID, from, nil))
		e.dropPeer(from, "negotiation-failed", false)
		return
	}
	e.flushCandidates(ent)

	_, known := e.participants[from]
	e.addParticipantEntry(from)
	if from == e.busyTarget {
		e.busyTarget = ""
	}
	if e.mode == ModeRingingOut || e.mode == ModeBusyNotified || e.mode == ModeWaiting {
		e.setMode(ModeInSession)
	}
	if !known {
		// First answer from a new participant: introduce it to the rest
		// of the mesh with complementary initiator flags.
		e.meshIntroduce(from)
	}
}

func (e *Engine) handleCandidate(msg signal.Message) {
	p, err := msg.Candidate()
	if err != nil {
		log.Printf("CALL [%s]: %v", e.cfg.SelfID, err)
		return
	}
	from := msg.SenderID
	if ent := e.reg.get(from); ent != nil && ent.remoteSet {
		if err := ent.conn.AddICECandidate(p.Candidate); err != nil {
			log.Printf("CALL [%s]: candidate from %s: %v", e.cfg.SelfID, from, err)
		}
		return
	}
	// Candidates legally race ahead of the offer/answer; buffer until a
	// remote description lands.
	if !e.reg.buffer(from, p.Candidate) {
		log.Printf("CALL [%s]: candidate buffer for %s full, discarding", e.cfg.SelfID, from)
	}
}

func (e *Engine) handleBusy(msg signal.Message) {
	from := msg.SenderID
	ent := e.reg.get(from)
	if ent == nil {
		log.Printf("CALL [%s]: busy from %s with no attempt open", e.cfg.SelfID, from)
		return
	}
	if ent.remoteSet {
		return // already negotiated; stale busy
	}

	if ent.viaMesh {
		// Mesh auto-connect hitting a busy peer is a transient state
		// (the target is mid-handshake with someone else). Retry
		// quietly; the user is never prompted for mesh legs.
		if ent.retries >= e.cfg.MeshRetryMax {
			log.Printf("CALL [%s]: giving up on busy mesh peer %s after %d retries", e.cfg.SelfID, from, ent.retries)
			e.dropPeer(from, "", false)
			return
		}
		ent.retries++
		attempt := ent.retries
		time.AfterFunc(e.cfg.MeshRetryBackoff, func() {
			e.do(func() { e.retryMeshOffer(from, attempt) })
		})
		return
	}

	// Manual dial: surface wait-or-cancel to the user.
	e.busyTarget = from
	if e.mode == ModeRingingOut {
		e.setMode(ModeBusyNotified)
	}
	e.emit(Event{Type: EventBusy, PeerID: from})
}

// retryMeshOffer re-offers a busy mesh peer. The entry check makes a
// torn-down session a silent no-op.
func (e *Engine) retryMeshOffer(id string, attempt int) {
	ent := e.reg.get(id)
	if ent == nil || ent.remoteSet {
		return
	}
	log.Printf("CALL [%s]: mesh retry %d for %s", e.cfg.SelfID, attempt, id)
	offer, err := ent.conn.CreateOffer()
	if err != nil {
		log.Printf("CALL [%s]: mesh retry offer for %s: %v", e.cfg.SelfID, id, err)
		return
	}
	if err := ent.conn.SetLocalDescription(offer); err != nil {
		log.Printf("CALL [%s]: mesh retry local for %s: %v", e.cfg.SelfID, id, err)
		return
	}
	e.send(signal.New(signal.TypeOffer, e.cfg.SelfID, id, signal.OfferPayload{SDP: offer}))
}

func (e *Engine) handleWaitNotify(msg signal.Message) {
	from := msg.SenderID
	if _, ok := e.pendingOffers[from]; !ok {
		log.Printf("CALL [%s]: wait-notify from %s with no cached offer", e.cfg.SelfID, from)
		return
	}
	e.waiting[from] = struct{}{}
	e.emit(Event{Type: EventCallerWaiting, PeerID: from})
}

func (e *Engine) handleAddToCall(msg signal.Message) {
	p, err := msg.AddToCall()
	if err != nil {
		log.Printf("CALL [%s]: %v", e.cfg.SelfID, err)
		return
	}
	if _, ok := e.participants[msg.SenderID]; !ok {
		log.Printf("CALL [%s]: add-to-call from non-participant %s", e.cfg.SelfID, msg.SenderID)
		return
	}
	if p.TargetID == e.cfg.SelfID || e.reg.get(p.TargetID) != nil {
		return
	}
	if p.ShouldInitiate {
		if err := e.openOffer(p.TargetID, true); err != nil {
			log.Printf("CALL [%s]: mesh offer to %s: %v", e.cfg.SelfID, p.TargetID, err)
		}
		return
	}
	// The other side initiates; whitelist the target so its offer is
	// recognized instead of answered with busy.
	e.expected[p.TargetID] = struct{}{}
}

func (e *Engine) handleDropParticipant(msg signal.Message) {
	p, err := msg.DropParticipant()
	if err != nil {
		log.Printf("CALL [%s]: %v", e.cfg.SelfID, err)
		return
	}
	if _, ok := e.participants[msg.SenderID]; !ok {
		log.Printf("CALL [%s]: drop-participant from non-participant %s", e.cfg.SelfID, msg.SenderID)
		return
	}
	if p.TargetID == e.cfg.SelfID {
		// Someone timed us out; our own supervision decides our fate.
		log.Printf("CALL [%s]: dropped by %s", e.cfg.SelfID, msg.SenderID)
		return
	}
	e.dropPeer(p.TargetID, "peer-dropped", false)
}

func (e *Engine) handleHangup(msg signal.Message) {
	from := msg.SenderID

	if e.mode == ModeRingingIn && from == e.ringFrom {
		// Caller gave up before we answered.
		e.stopRingTimer()
		e.notifier.MissedCall(from)
		e.ringFrom, e.ringOffer = "", signal.Message{}
		e.setMode(ModeIdle)
		return
	}

	delete(e.pendingOffers, from)
	delete(e.waiting, from)
	delete(e.expected, from)

	if from == e.busyTarget {
		e.busyTarget = ""
		e.reg.drop(from)
		if e.mode == ModeBusyNotified || e.mode == ModeWaiting {
			if len(e.participants) > 0 {
				e.setMode(ModeInSession)
			} else {
				e.teardown(false)
			}
		}
		return
	}

	if e.reg.get(from) != nil {
		e.dropPeer(from, "peer-left", false)
	}
}

// rejectRinging declines the ringing caller and everyone queued behind
// it. Runs on the run loop.
func (e *Engine) rejectRinging(missed bool) {
	e.stopRingTimer()
	from := e.ringFrom
	e.ringFrom, e.ringOffer = "", signal.Message{}
	e.send(signal.New(signal.TypeHangup, e.cfg.SelfID, from, nil))
	for id := range e.pendingOffers {
		e.send(signal.New(signal.TypeHangup, e.cfg.SelfID, id, nil))
		delete(e.pendingOffers, id)
	}
	if missed {
		e.notifier.MissedCall(from)
	}
	e.setMode(ModeIdle)
}
