// Package state tracks which peer identities are currently reachable.
// The table is push-updated from presence traffic (libp2p gossip or the
// relay feed) and pruned on TTL expiry. The call engine reads it for UX
// (who can be called); the signaling transport stays authoritative for
// actual delivery.
package state

import (
	"sync"
	"time"
)

// Peer is one reachable (or recently reachable) identity.
type Peer struct {
	Label        string
	Reachable    bool
	LastSeen     time.Time
	OfflineSince time.Time
}

// Event notifies subscribers of a table change.
type Event struct {
	Type   string `json:"type"` // update|remove
	PeerID string `json:"peer_id"`
	Label  string `json:"label,omitempty"`
	Online bool   `json:"online"`
}

// Table is the presence table. All methods are safe for concurrent use.
type Table struct {
	mu        sync.Mutex
	peers     map[string]Peer
	listeners []chan Event
}

func NewTable() *Table {
	return &Table{peers: map[string]Peer{}}
}

// Upsert records a presence announcement for id.
func (t *Table) Upsert(id, label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := Peer{Label: label, Reachable: true, LastSeen: time.Now()}
	t.peers[id] = p
	t.notify(Event{Type: "update", PeerID: id, Label: label, Online: true})
}

// Touch refreshes the last-seen time without changing anything else.
func (t *Table) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.LastSeen = time.Now()
	t.peers[id] = p
}

// MarkOffline flags id as unreachable but keeps it in the table until
// the offline grace period expires.
func (t *Table) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	wasOnline := p.OfflineSince.IsZero()
	p.Reachable = false
	if wasOnline {
		p.OfflineSince = time.Now()
	}
	t.peers[id] = p
	if wasOnline {
		t.notify(Event{Type: "update", PeerID: id, Label: p.Label, Online: false})
	}
}

// Remove drops id from the table immediately.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	t.notify(Event{Type: "remove", PeerID: id})
}

// Get returns the entry for id.
func (t *Table) Get(id string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

// Reachable returns the ids currently marked reachable.
func (t *Table) Reachable() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.peers))
	for id, p := range t.peers {
		if p.Reachable {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns a copy of the whole table.
func (t *Table) Snapshot() map[string]Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Peer, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneStale moves reachable peers with expired TTL to offline, then
// removes offline peers past the grace period.
func (t *Table) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.peers {
		if p.OfflineSince.IsZero() {
			if p.LastSeen.Before(ttlCutoff) {
				p.Reachable = false
				p.OfflineSince = time.Now()
				t.peers[id] = p
				t.notify(Event{Type: "update", PeerID: id, Label: p.Label, Online: false})
			}
		} else if p.OfflineSince.Before(graceCutoff) {
			delete(t.peers, id)
			t.notify(Event{Type: "remove", PeerID: id})
		}
	}
}

// Subscribe returns a channel of table events.
func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, l := range t.listeners {
		if l == ch {
			close(l)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notify(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
