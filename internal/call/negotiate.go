package call

import (
	"fmt"
	"log"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/glbimr/nexa/internal/signal"
)

// openOffer builds a fresh connection to id, attaches the current local
// tracks, sends the offer and starts the connect timer. The entry is
// registered only once the local description is applied, so a factory
// or negotiation failure leaves no trace.
func (e *Engine) openOffer(id string, viaMesh bool) error {
	conn, err := e.factory()
	if err != nil {
		return fmt.Errorf("call: new connection for %s: %w", id, err)
	}
	ent := &entry{
		id:        id,
		conn:      conn,
		createdAt: time.Now(),
		state:     webrtc.PeerConnectionStateNew,
		viaMesh:   viaMesh,
		stream:    newRemoteStream(id),
	}
	e.wireConn(ent)

	if err := conn.SyncTracks(e.local.Tracks()); err != nil {
		log.Printf("CALL [%s]: sync tracks for %s: %v", e.cfg.SelfID, id, err)
	}
	if err := conn.EnsureRecvDirections(); err != nil {
		log.Printf("CALL [%s]: transceivers for %s: %v", e.cfg.SelfID, id, err)
	}

	offer, err := conn.CreateOffer()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("call: create offer for %s: %w", id, err)
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		_ = conn.Close()
		return fmt.Errorf("call: apply local offer for %s: %w", id, err)
	}

	e.reg.put(ent)
	delete(e.expected, id)
	e.startConnectTimer(ent)
	e.send(signal.New(signal.TypeOffer, e.cfg.SelfID, id, signal.OfferPayload{SDP: offer}))
	log.Printf("CALL [%s]: offer sent to %s (mesh=%v)", e.cfg.SelfID, id, viaMesh)
	return nil
}

// answerFresh builds a connection for an inbound offer, answers it with
// both audio and video directions negotiated, and records the sender as
// a participant.
func (e *Engine) answerFresh(from string, sdp webrtc.SessionDescription, viaMesh bool) error {
	conn, err := e.factory()
	if err != nil {
		return fmt.Errorf("call: new connection for %s: %w", from, err)
	}
	ent := &entry{
		id:        from,
		conn:      conn,
		createdAt: time.Now(),
		state:     webrtc.PeerConnectionStateNew,
		viaMesh:   viaMesh,
		stream:    newRemoteStream(from),
	}
	e.wireConn(ent)

	if err := conn.SyncTracks(e.local.Tracks()); err != nil {
		log.Printf("CALL [%s]: sync tracks for %s: %v", e.cfg.SelfID, from, err)
	}
	if err := conn.SetRemoteDescription(sdp); err != nil {
		_ = conn.Close()
		return fmt.Errorf("call: apply offer from %s: %w", from, err)
	}
	// Only after the remote offer is in: the offer's m-lines create
	// recv transceivers, and this backfills any kind the offer lacked.
	if err := conn.EnsureRecvDirections(); err != nil {
		log.Printf("CALL [%s]: transceivers for %s: %v", e.cfg.SelfID, from, err)
	}

	e.reg.put(ent)
	e.flushCandidates(ent)
	if err := e.sendAnswer(ent); err != nil {
		e.reg.dropEntry(from)
		return err
	}
	e.startConnectTimer(ent)
	e.addParticipantEntry(from)
	return nil
}

// answerOn applies a re-offer on an existing connection and answers it.
func (e *Engine) answerOn(ent *entry, sdp webrtc.SessionDescription) error {
	if err := ent.conn.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("call: apply re-offer from %s: %w", ent.id, err)
	}
	e.flushCandidates(ent)
	return e.sendAnswer(ent)
}

func (e *Engine) sendAnswer(ent *entry) error {
	answer, err := ent.conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("call: create answer for %s: %w", ent.id, err)
	}
	if err := ent.conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("call: apply local answer for %s: %w", ent.id, err)
	}
	e.send(signal.New(signal.TypeAnswer, e.cfg.SelfID, ent.id, signal.AnswerPayload{SDP: answer}))
	return nil
}

// flushCandidates marks the remote description applied and drains the
// early-candidate buffer, in arrival order, exactly once.
func (e *Engine) flushCandidates(ent *entry) {
	ent.remoteSet = true
	for _, c := range e.reg.takeBuffered(ent.id) {
		if err := ent.conn.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: buffered candidate for %s: %v", e.cfg.SelfID, ent.id, err)
		}
	}
}

// syncAllTracks pushes the current local set to every live connection.
// The set was already swapped, so no peer can pick up a closed track.
func (e *Engine) syncAllTracks() {
	tracks := e.local.Tracks()
	for _, id := range e.reg.ids() {
		if err := e.reg.get(id).conn.SyncTracks(tracks); err != nil {
			log.Printf("CALL [%s]: sync tracks for %s: %v", e.cfg.SelfID, id, err)
		}
	}
}

// renegotiateAll re-offers every live connection. Track changes are the
// only renegotiation trigger; participant changes never renegotiate
// existing pairs.
func (e *Engine) renegotiateAll() {
	for _, id := range e.reg.ids() {
		ent := e.reg.get(id)
		offer, err := ent.conn.CreateOffer()
		if err != nil {
			log.Printf("CALL [%s]: renegotiate offer for %s: %v", e.cfg.SelfID, id, err)
			continue
		}
		if err := ent.conn.SetLocalDescription(offer); err != nil {
			log.Printf("CALL [%s]: renegotiate local for %s: %v", e.cfg.SelfID, id, err)
			continue
		}
		e.send(signal.New(signal.TypeOffer, e.cfg.SelfID, id, signal.OfferPayload{SDP: offer}))
	}
}

// meshIntroduce announces newID to every other participant with
// complementary shouldInitiate flags, so each new pair negotiates
// exactly one offer.
func (e *Engine) meshIntroduce(newID string) {
	for pid := range e.participants {
		if pid == newID {
			continue
		}
		e.send(signal.New(signal.TypeAddToCall, e.cfg.SelfID, newID, signal.AddToCallPayload{
			TargetID:       pid,
			ShouldInitiate: shouldInitiate(newID, pid),
		}))
		e.send(signal.New(signal.TypeAddToCall, e.cfg.SelfID, pid, signal.AddToCallPayload{
			TargetID:       newID,
			ShouldInitiate: shouldInitiate(pid, newID),
		}))
	}
}

// wireConn routes connection callbacks back into the run loop. Every
// continuation re-checks that the entry is still registered; a torn
// down peer's late callbacks become no-ops.
func (e *Engine) wireConn(ent *entry) {
	id := ent.id
	ent.conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		e.do(func() {
			if e.reg.get(id) == nil {
				return
			}
			e.send(signal.New(signal.TypeCandidate, e.cfg.SelfID, id, signal.CandidatePayload{Candidate: c}))
		})
	})
	ent.conn.OnRemoteTrack(func(t RemoteTrack) {
		e.do(func() {
			cur := e.reg.get(id)
			if cur == nil {
				return
			}
			cur.stream.upsert(t)
			e.emit(Event{Type: EventRemoteTrack, PeerID: id, Stream: cur.stream})
		})
	})
	ent.conn.OnStateChange(func(st webrtc.PeerConnectionState) {
		e.do(func() { e.onConnState(id, st) })
	})
}

// addParticipantEntry records id as a confirmed participant.
func (e *Engine) addParticipantEntry(id string) {
	if _, ok := e.participants[id]; ok {
		return
	}
	e.participants[id] = struct{}{}
	delete(e.expected, id)
	e.emit(Event{Type: EventPeerJoined, PeerID: id})
	e.notifier.SessionEvent("peer-joined", id)
}

func (e *Engine) send(msg signal.Message) {
	if err := e.tr.Send(msg); err != nil {
		log.Printf("CALL [%s]: send %s to %s: %v", e.cfg.SelfID, msg.Type, msg.RecipientID, err)
	}
}
