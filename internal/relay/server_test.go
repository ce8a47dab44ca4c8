package relay

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glbimr/nexa/internal/signal"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(NewServer().Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, id string) (*signal.WSClient, chan signal.Message) {
	t.Helper()
	c, err := signal.DialRelay(base, id, id)
	if err != nil {
		t.Fatalf("dial relay as %s: %v", id, err)
	}
	t.Cleanup(func() { c.Close() })
	ch, cancel := c.Subscribe()
	t.Cleanup(cancel)
	return c, ch
}

func nextOfType(t *testing.T, ch chan signal.Message, typ signal.Type) signal.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s arrived", typ)
		}
	}
}

func TestRelayForwardsAddressedMessages(t *testing.T) {
	base := startRelay(t)
	alice, aliceCh := dial(t, base, "alice")
	_, bobCh := dial(t, base, "bob")
	_, carolCh := dial(t, base, "carol")

	// Sends are silently dropped until the socket is up; seeing another
	// peer's presence proves our own socket is connected.
	nextOfType(t, aliceCh, signal.TypePresence)

	if err := alice.Send(signal.New(signal.TypeHangup, "alice", "bob", nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := nextOfType(t, bobCh, signal.TypeHangup)
	if got.SenderID != "alice" {
		t.Fatalf("sender = %s, want alice", got.SenderID)
	}

	select {
	case msg := <-carolCh:
		if msg.Type == signal.TypeHangup {
			t.Fatal("carol must not see traffic addressed to bob")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelaySynthesizesPresence(t *testing.T) {
	base := startRelay(t)
	_, aliceCh := dial(t, base, "alice")
	bob, _ := dial(t, base, "bob")

	// Alice learns that bob arrived.
	msg := nextOfType(t, aliceCh, signal.TypePresence)
	p, err := msg.Presence()
	if err != nil {
		t.Fatalf("presence decode: %v", err)
	}
	if p.PeerID != "bob" || !p.Online {
		t.Fatalf("presence = %+v", p)
	}

	// And that he left.
	bob.Close()
	for {
		msg = nextOfType(t, aliceCh, signal.TypePresence)
		if p, err = msg.Presence(); err == nil && p.PeerID == "bob" && !p.Online {
			return
		}
	}
}

func TestRelayReconnectKeepsPeerOnline(t *testing.T) {
	base := startRelay(t)
	_, aliceCh := dial(t, base, "alice")

	dial(t, base, "bob")
	msg := nextOfType(t, aliceCh, signal.TypePresence)
	if p, err := msg.Presence(); err != nil || p.PeerID != "bob" || !p.Online {
		t.Fatalf("presence = %+v, %v", msg, err)
	}

	// Bob reconnects without closing the first socket; the relay
	// supersedes the old registration and broadcasts online again.
	dial(t, base, "bob")
	for {
		msg = nextOfType(t, aliceCh, signal.TypePresence)
		if p, err := msg.Presence(); err == nil && p.PeerID == "bob" && p.Online {
			break
		}
	}

	// The superseded socket's teardown must not announce bob offline:
	// nothing would re-announce him and peers would mark him gone.
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case msg := <-aliceCh:
			if p, err := msg.Presence(); err == nil && p.PeerID == "bob" && !p.Online {
				t.Fatal("superseded socket announced offline after reconnect")
			}
		case <-deadline:
			return
		}
	}
}
