// Package signal defines the wire schema for call signaling and the
// Transport interface the orchestrator sends and receives it over.
// Payloads are a tagged union keyed by Type: one concrete shape per
// message type, validated on decode. Malformed payloads are rejected by
// the decoder so receivers can drop them instead of crashing.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Type discriminates the payload shape of a Message.
type Type string

const (
	TypeOffer           Type = "offer"
	TypeAnswer          Type = "answer"
	TypeCandidate       Type = "candidate"
	TypeBusy            Type = "busy"
	TypeWaitNotify      Type = "wait-notify"
	TypeAddToCall       Type = "add-to-call"
	TypeDropParticipant Type = "drop-participant"
	TypeHangup          Type = "hangup"
	TypePresence        Type = "presence"
)

// Message is the one-shot signaling envelope. Delivery is best-effort;
// there is no acknowledgement layer. A message with a non-empty
// RecipientID is addressed; everything else is broadcast.
type Message struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// For reports whether the message should be processed by localID:
// addressed messages are ignored unless the recipient matches.
func (m Message) For(localID string) bool {
	return m.RecipientID == "" || m.RecipientID == localID
}

// OfferPayload carries a full SDP offer. Used both for fresh calls and
// for renegotiation — the receiver distinguishes the two by whether it
// already recognizes the sender as a participant.
type OfferPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// AnswerPayload carries a full SDP answer.
type AnswerPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// AddToCallPayload introduces the recipient to TargetID during mesh
// growth. Exactly one side of each pair receives ShouldInitiate=true.
type AddToCallPayload struct {
	TargetID       string `json:"targetId"`
	ShouldInitiate bool   `json:"shouldInitiate"`
}

// DropParticipantPayload tells the recipient to remove TargetID from
// its participant set (e.g. after a connect timeout elsewhere in the mesh).
type DropParticipantPayload struct {
	TargetID string `json:"targetId"`
}

// PresencePayload announces reachability of a peer identity.
type PresencePayload struct {
	PeerID string `json:"peerId"`
	Online bool   `json:"online"`
	Label  string `json:"label,omitempty"`
	TS     int64  `json:"ts"`
}

// New builds an addressed message with a fresh id and the payload
// marshalled in place. Payload may be nil for bare types (busy, hangup,
// wait-notify).
func New(typ Type, senderID, recipientID string, payload any) Message {
	m := Message{
		ID:          uuid.NewString(),
		Type:        typ,
		SenderID:    senderID,
		RecipientID: recipientID,
	}
	if payload != nil {
		b, _ := json.Marshal(payload)
		m.Payload = b
	}
	return m
}

// Offer decodes and validates an offer payload.
func (m Message) Offer() (OfferPayload, error) {
	var p OfferPayload
	if err := decode(m, TypeOffer, &p); err != nil {
		return p, err
	}
	if p.SDP.SDP == "" {
		return p, fmt.Errorf("signal: offer from %s has empty SDP", m.SenderID)
	}
	return p, nil
}

// Answer decodes and validates an answer payload.
func (m Message) Answer() (AnswerPayload, error) {
	var p AnswerPayload
	if err := decode(m, TypeAnswer, &p); err != nil {
		return p, err
	}
	if p.SDP.SDP == "" {
		return p, fmt.Errorf("signal: answer from %s has empty SDP", m.SenderID)
	}
	return p, nil
}

// Candidate decodes and validates a candidate payload.
func (m Message) Candidate() (CandidatePayload, error) {
	var p CandidatePayload
	if err := decode(m, TypeCandidate, &p); err != nil {
		return p, err
	}
	if p.Candidate.Candidate == "" {
		return p, fmt.Errorf("signal: candidate from %s is empty", m.SenderID)
	}
	return p, nil
}

// AddToCall decodes and validates a mesh-introduction payload.
func (m Message) AddToCall() (AddToCallPayload, error) {
	var p AddToCallPayload
	if err := decode(m, TypeAddToCall, &p); err != nil {
		return p, err
	}
	if p.TargetID == "" {
		return p, fmt.Errorf("signal: add-to-call from %s has no target", m.SenderID)
	}
	return p, nil
}

// DropParticipant decodes and validates a participant-removal payload.
func (m Message) DropParticipant() (DropParticipantPayload, error) {
	var p DropParticipantPayload
	if err := decode(m, TypeDropParticipant, &p); err != nil {
		return p, err
	}
	if p.TargetID == "" {
		return p, fmt.Errorf("signal: drop-participant from %s has no target", m.SenderID)
	}
	return p, nil
}

// Presence decodes and validates a presence payload.
func (m Message) Presence() (PresencePayload, error) {
	var p PresencePayload
	if err := decode(m, TypePresence, &p); err != nil {
		return p, err
	}
	if p.PeerID == "" {
		return p, fmt.Errorf("signal: presence with empty peer id")
	}
	return p, nil
}

func decode(m Message, want Type, dst any) error {
	if m.Type != want {
		return fmt.Errorf("signal: message is %q, not %q", m.Type, want)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("signal: %s from %s has no payload", want, m.SenderID)
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("signal: decode %s payload from %s: %w", want, m.SenderID, err)
	}
	return nil
}
