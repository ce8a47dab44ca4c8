package signal

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestAddressedAndBroadcastFiltering(t *testing.T) {
	addressed := New(TypeOffer, "alice", "bob", OfferPayload{
		SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	})
	if !addressed.For("bob") {
		t.Fatal("recipient must process an addressed message")
	}
	if addressed.For("carol") {
		t.Fatal("third party must ignore an addressed message")
	}

	broadcast := New(TypePresence, "alice", "", PresencePayload{PeerID: "alice", Online: true})
	if !broadcast.For("bob") || !broadcast.For("carol") {
		t.Fatal("broadcast must reach everyone")
	}
}

func TestPayloadDecodeValidates(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		msg := New(TypeAddToCall, "alice", "bob", AddToCallPayload{TargetID: "carol", ShouldInitiate: true})
		p, err := msg.AddToCall()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.TargetID != "carol" || !p.ShouldInitiate {
			t.Fatalf("payload = %+v", p)
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		msg := New(TypeHangup, "alice", "bob", nil)
		if _, err := msg.Offer(); err == nil {
			t.Fatal("decoding a hangup as offer must fail")
		}
	})

	t.Run("empty sdp", func(t *testing.T) {
		msg := New(TypeOffer, "alice", "bob", OfferPayload{})
		if _, err := msg.Offer(); err == nil {
			t.Fatal("empty SDP must be rejected")
		}
	})

	t.Run("missing payload", func(t *testing.T) {
		msg := New(TypeCandidate, "alice", "bob", nil)
		if _, err := msg.Candidate(); err == nil {
			t.Fatal("candidate without payload must be rejected")
		}
	})

	t.Run("garbage payload", func(t *testing.T) {
		msg := New(TypeDropParticipant, "alice", "bob", nil)
		msg.Payload = []byte("{not json")
		if _, err := msg.DropParticipant(); err == nil {
			t.Fatal("malformed JSON must be rejected")
		}
	})
}

func TestMessageIDsAreUnique(t *testing.T) {
	a := New(TypeBusy, "alice", "bob", nil)
	b := New(TypeBusy, "alice", "bob", nil)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids must be fresh per message: %q vs %q", a.ID, b.ID)
	}
}
