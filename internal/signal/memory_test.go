package signal

import (
	"testing"
	"time"
)

func recvOne(t *testing.T, ch chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message arrived")
		return Message{}
	}
}

func TestHubRoutesAddressedToRecipientOnly(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Endpoint("alice")
	bob := hub.Endpoint("bob")
	carol := hub.Endpoint("carol")

	bobCh, cancelBob := bob.Subscribe()
	defer cancelBob()
	carolCh, cancelCarol := carol.Subscribe()
	defer cancelCarol()

	if err := alice.Send(New(TypeHangup, "alice", "bob", nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := recvOne(t, bobCh); got.Type != TypeHangup || got.SenderID != "alice" {
		t.Fatalf("bob got %+v", got)
	}
	select {
	case msg := <-carolCh:
		t.Fatalf("carol must not see addressed traffic, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubBroadcastSkipsSender(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Endpoint("alice")
	bob := hub.Endpoint("bob")

	aliceCh, cancelA := alice.Subscribe()
	defer cancelA()
	bobCh, cancelB := bob.Subscribe()
	defer cancelB()

	if err := alice.Send(New(TypePresence, "alice", "", PresencePayload{PeerID: "alice", Online: true})); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := recvOne(t, bobCh); got.Type != TypePresence {
		t.Fatalf("bob got %+v", got)
	}
	select {
	case msg := <-aliceCh:
		t.Fatalf("sender must not hear its own broadcast, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubPreservesPerSenderOrder(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Endpoint("alice")
	bob := hub.Endpoint("bob")

	bobCh, cancel := bob.Subscribe()
	defer cancel()

	const n = 50
	for i := 0; i < n; i++ {
		msg := New(TypeBusy, "alice", "bob", nil)
		msg.ID = string(rune('a' + i%26))
		if err := alice.Send(msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		got := recvOne(t, bobCh)
		if want := string(rune('a' + i%26)); got.ID != want {
			t.Fatalf("message %d arrived out of order: got %q want %q", i, got.ID, want)
		}
	}
}

func TestClosedEndpointRefusesSendAndDeregisters(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Endpoint("alice")
	bob := hub.Endpoint("bob")

	bobCh, cancel := bob.Subscribe()
	defer cancel()

	if err := bob.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, open := <-bobCh; open {
		t.Fatal("close must close subscriber channels")
	}
	if err := bob.Send(New(TypeBusy, "bob", "alice", nil)); err == nil {
		t.Fatal("send on closed endpoint must fail")
	}
	// Delivery to the departed endpoint is silently dropped.
	if err := alice.Send(New(TypeBusy, "alice", "bob", nil)); err != nil {
		t.Fatalf("send to absent peer must be a no-op, got %v", err)
	}
}
