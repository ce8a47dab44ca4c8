package notify

import (
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMissedCallLifecycle(t *testing.T) {
	s := openTestStore(t)

	s.MissedCall("alice")
	s.MissedCall("bob")
	s.MissedCall("alice")
	s.Flush()

	missed, err := s.Missed(10)
	if err != nil {
		t.Fatalf("missed: %v", err)
	}
	if len(missed) != 3 {
		t.Fatalf("got %d missed calls, want 3", len(missed))
	}
	// Newest first.
	if missed[0].PeerID != "alice" || missed[1].PeerID != "bob" {
		t.Fatalf("unexpected order: %+v", missed)
	}

	n, err := s.UnseenCount()
	if err != nil {
		t.Fatalf("unseen: %v", err)
	}
	if n != 3 {
		t.Fatalf("unseen = %d, want 3", n)
	}

	if err := s.MarkSeen(missed[1].ID); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	n, err = s.UnseenCount()
	if err != nil {
		t.Fatalf("unseen: %v", err)
	}
	if n != 1 {
		t.Fatalf("unseen after ack = %d, want 1", n)
	}
}

func TestSessionEventsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	s.SessionEvent("started", "")
	s.SessionEvent("peer-joined", "bob")
	s.SessionEvent("peer-timeout", "carol")
	s.SessionEvent("ended", "")
	s.Flush()

	events, err := s.Events(2)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != "ended" || events[1].Kind != "peer-timeout" {
		t.Fatalf("unexpected order: %+v", events)
	}
	if events[1].PeerID != "carol" {
		t.Fatalf("peer id lost: %+v", events[1])
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.MissedCall("alice")
	s.Flush()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	missed, err := s2.Missed(10)
	if err != nil {
		t.Fatalf("missed: %v", err)
	}
	if len(missed) != 1 || missed[0].PeerID != "alice" {
		t.Fatalf("history not persisted: %+v", missed)
	}
}
