package signal

import (
	"fmt"
	"log"
	"sync"
)

// MemoryHub is an in-process signaling fabric: every endpoint created
// from the same hub can reach every other by identity, with per-sender
// ordering preserved. Production uses the relay client or the libp2p
// node; the hub serves tests and single-process setups.
type MemoryHub struct {
	mu        sync.Mutex
	endpoints map[string]*memoryEndpoint
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{endpoints: make(map[string]*memoryEndpoint)}
}

// Endpoint registers (or replaces) the transport for the given identity.
func (h *MemoryHub) Endpoint(id string) Transport {
	ep := &memoryEndpoint{
		hub:       h,
		id:        id,
		listeners: make(map[chan Message]struct{}),
	}
	h.mu.Lock()
	h.endpoints[id] = ep
	h.mu.Unlock()
	return ep
}

// deliver routes one message: addressed messages go to the recipient
// only, broadcasts go to every endpoint except the sender.
func (h *MemoryHub) deliver(msg Message) {
	h.mu.Lock()
	targets := make([]*memoryEndpoint, 0, len(h.endpoints))
	if msg.RecipientID != "" {
		if ep, ok := h.endpoints[msg.RecipientID]; ok {
			targets = append(targets, ep)
		}
	} else {
		for id, ep := range h.endpoints {
			if id != msg.SenderID {
				targets = append(targets, ep)
			}
		}
	}
	h.mu.Unlock()

	for _, ep := range targets {
		ep.push(msg)
	}
}

type memoryEndpoint struct {
	hub *MemoryHub
	id  string

	mu        sync.Mutex
	closed    bool
	listeners map[chan Message]struct{}
}

func (e *memoryEndpoint) Send(msg Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("signal: endpoint %s is closed", e.id)
	}
	e.hub.deliver(msg)
	return nil
}

func (e *memoryEndpoint) Subscribe() (chan Message, func()) {
	ch := make(chan Message, 256)
	e.mu.Lock()
	if e.closed {
		close(ch)
		e.mu.Unlock()
		return ch, func() {}
	}
	e.listeners[ch] = struct{}{}
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

func (e *memoryEndpoint) push(msg Message) {
	if !msg.For(e.id) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for ch := range e.listeners {
		select {
		case ch <- msg:
		default:
			log.Printf("SIGNAL: listener for %s full, dropping %s from %s", e.id, msg.Type, msg.SenderID)
		}
	}
}

func (e *memoryEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for ch := range e.listeners {
		close(ch)
	}
	e.listeners = nil
	e.mu.Unlock()

	e.hub.mu.Lock()
	if cur, ok := e.hub.endpoints[e.id]; ok && cur == e {
		delete(e.hub.endpoints, e.id)
	}
	e.hub.mu.Unlock()
	return nil
}
