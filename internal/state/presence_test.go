package state

import (
	"testing"
	"time"
)

func TestUpsertAndReachable(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("alice", "Alice")
	tbl.Upsert("bob", "")

	ids := tbl.Reachable()
	if len(ids) != 2 {
		t.Fatalf("reachable = %v", ids)
	}
	p, ok := tbl.Get("alice")
	if !ok || p.Label != "Alice" || !p.Reachable {
		t.Fatalf("alice = %+v ok=%v", p, ok)
	}
}

func TestMarkOfflineKeepsEntryUntilGrace(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("alice", "Alice")
	tbl.MarkOffline("alice")

	if ids := tbl.Reachable(); len(ids) != 0 {
		t.Fatalf("offline peer still reachable: %v", ids)
	}
	if _, ok := tbl.Get("alice"); !ok {
		t.Fatal("offline peer dropped before grace expiry")
	}

	// Grace cutoff in the future removes the offline entry.
	tbl.PruneStale(time.Now().Add(-time.Hour), time.Now().Add(time.Second))
	if _, ok := tbl.Get("alice"); ok {
		t.Fatal("offline peer survived grace expiry")
	}
}

func TestPruneStaleMovesQuietPeersOffline(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("alice", "Alice")

	// TTL cutoff in the future makes alice stale immediately.
	tbl.PruneStale(time.Now().Add(time.Second), time.Now().Add(-time.Hour))

	p, ok := tbl.Get("alice")
	if !ok {
		t.Fatal("stale peer removed instead of marked offline")
	}
	if p.Reachable {
		t.Fatal("stale peer still reachable")
	}
}

func TestSubscribeSeesChanges(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	tbl.Upsert("alice", "Alice")
	tbl.MarkOffline("alice")
	tbl.Remove("alice")

	want := []Event{
		{Type: "update", PeerID: "alice", Label: "Alice", Online: true},
		{Type: "update", PeerID: "alice", Label: "Alice", Online: false},
		{Type: "remove", PeerID: "alice"},
	}
	for i, w := range want {
		select {
		case got := <-ch:
			if got != w {
				t.Fatalf("event %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestMarkOfflineIsIdempotentForEvents(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("alice", "Alice")

	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	tbl.MarkOffline("alice")
	tbl.MarkOffline("alice")

	<-ch
	select {
	case evt := <-ch:
		t.Fatalf("second offline produced event %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}
