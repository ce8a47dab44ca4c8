package call

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/glbimr/nexa/internal/media"
	"github.com/glbimr/nexa/internal/signal"
)

// Engine is the session orchestrator. One Engine per local identity.
//
// Concurrency model: all session state (mode, registry, participant
// set, pending-offer cache, timers) is owned by the run goroutine.
// Exported methods post closures into the loop and wait on a reply
// channel; transport messages and timer expiries are posted the same
// way. Media acquisition is the only blocking step and happens on the
// caller's goroutine before its result enters the loop.
type Engine struct {
	cfg      Config
	tr       signal.Transport
	src      media.Source
	factory  ConnFactory
	notifier Notifier

	ops  chan func()
	done chan struct{}
	once sync.Once

	// Everything below is owned by the run loop.
	mode         Mode
	reg          *registry
	local        *media.LocalSet
	participants map[string]struct{}
	// expected whitelists peers announced by add-to-call whose offer has
	// not arrived yet, so their dial-in is not mistaken for an intruder.
	expected map[string]struct{}
	// pendingOffers caches offers we could not act on (busy, or queued
	// behind the ringing one), keyed by sender, latest offer wins. An
	// entry is replayed if the local user merges that caller in.
	pendingOffers map[string]signal.Message
	// waiting marks pendingOffers senders who sent wait-notify.
	waiting map[string]struct{}

	ringFrom  string
	ringOffer signal.Message
	ringTimer *time.Timer

	busyTarget string

	lmu       sync.Mutex
	listeners map[chan Event]struct{}
}

// New builds an engine and starts its run loop. The transport is not
// owned by the engine; the caller closes it separately.
func New(cfg Config, tr signal.Transport, src media.Source, factory ConnFactory, notifier Notifier) *Engine {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = NopNotifier{}
	}
	e := &Engine{
		cfg:           cfg,
		tr:            tr,
		src:           src,
		factory:       factory,
		notifier:      notifier,
		ops:           make(chan func(), 64),
		done:          make(chan struct{}),
		mode:          ModeIdle,
		reg:           newRegistry(),
		local:         media.NewLocalSet(),
		participants:  make(map[string]struct{}),
		expected:      make(map[string]struct{}),
		pendingOffers: make(map[string]signal.Message),
		waiting:       make(map[string]struct{}),
		listeners:     make(map[chan Event]struct{}),
	}
	go e.run()
	return e
}

func (e *Engine) run() {
	msgs, cancel := e.tr.Subscribe()
	defer cancel()
	for {
		select {
		case <-e.done:
			return
		case op := <-e.ops:
			op()
		case msg, ok := <-msgs:
			if !ok {
				log.Printf("CALL [%s]: transport subscription closed", e.cfg.SelfID)
				msgs = nil
				continue
			}
			e.handleMessage(msg)
		}
	}
}

// do posts work into the run loop without waiting.
func (e *Engine) do(op func()) {
	select {
	case e.ops <- op:
	case <-e.done:
	}
}

// doWait posts work and waits for its result. Must not be called from
// inside the run loop.
func (e *Engine) doWait(op func() error) error {
	errc := make(chan error, 1)
	select {
	case e.ops <- func() { errc <- op() }:
	case <-e.done:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-e.done:
		return ErrClosed
	}
}

// Close ends any session (notifying peers), releases local media and
// stops the run loop. Idempotent.
func (e *Engine) Close() {
	e.once.Do(func() {
		_ = e.doWait(func() error {
			e.teardown(true)
			return nil
		})
		close(e.done)
	})
}

// StartSession dials the given peers from IDLE. Local media must be
// acquirable: if neither microphone nor camera can be opened the call
// is refused with ErrMediaUnavailable and state is unchanged.
func (e *Engine) StartSession(targetIDs []string) error {
	targets, err := e.checkTargets(targetIDs)
	if err != nil {
		return err
	}
	if err := e.ensureMedia(); err != nil {
		return err
	}
	return e.doWait(func() error {
		if e.mode != ModeIdle {
			return ErrBadState
		}
		var opened int
		for _, id := range targets {
			if err := e.openOffer(id, false); err != nil {
				log.Printf("CALL [%s]: offer to %s failed: %v", e.cfg.SelfID, id, err)
				continue
			}
			opened++
		}
		if opened == 0 {
			return errors.New("call: could not open any peer connection")
		}
		e.setMode(ModeRingingOut)
		e.notifier.SessionEvent("started", "")
		return nil
	})
}

// AddParticipant dials one more peer into the current session. Busy and
// timeout handling follow the manual-dial rules, and the new peer is
// mesh-introduced to everyone else once it answers.
func (e *Engine) AddParticipant(id string) error {
	targets, err := e.checkTargets([]string{id})
	if err != nil {
		return err
	}
	return e.doWait(func() error {
		if e.mode != ModeInSession {
			return ErrBadState
		}
		if e.reg.get(targets[0]) != nil {
			return nil // already connecting or connected
		}
		return e.openOffer(targets[0], false)
	})
}

// AcceptIncomingCall answers the ringing offer and enters the session.
func (e *Engine) AcceptIncomingCall() error {
	if err := e.ensureMedia(); err != nil {
		return err
	}
	return e.doWait(func() error {
		if e.mode != ModeRingingIn {
			return ErrNotRinging
		}
		from, offer := e.ringFrom, e.ringOffer
		p, err := offer.Offer()
		if err != nil {
			return err
		}
		e.stopRingTimer()
		e.ringFrom, e.ringOffer = "", signal.Message{}
		if err := e.answerFresh(from, p.SDP, false); err != nil {
			e.teardown(false)
			return err
		}
		e.setMode(ModeInSession)
		e.notifier.SessionEvent("started", from)
		// Anyone queued behind the ringing offer is now calling a busy
		// peer; tell them so, keeping their offers for a later merge.
		for id := range e.pendingOffers {
			e.send(signal.New(signal.TypeBusy, e.cfg.SelfID, id, nil))
		}
		return nil
	})
}

// RejectIncomingCall declines the ringing offer. With missed=true the
// caller is recorded as a missed call (the ring-timeout path uses this).
func (e *Engine) RejectIncomingCall(missed bool) error {
	return e.doWait(func() error {
		if e.mode != ModeRingingIn {
			return ErrNotRinging
		}
		e.rejectRinging(missed)
		return nil
	})
}

// EndSession hangs up: every participant, ringing caller and queued
// offerer gets a HANGUP, all connections close, local media is released
// and the engine returns to IDLE. Valid from any mode.
func (e *Engine) EndSession() error {
	return e.doWait(func() error {
		wasSession := e.mode == ModeInSession
		e.teardown(true)
		if wasSession {
			e.notifier.SessionEvent("ended", "")
		}
		return nil
	})
}

// WaitForBusy tells the busy target we are waiting for them to free up.
func (e *Engine) WaitForBusy() error {
	return e.doWait(func() error {
		if e.busyTarget == "" || (e.mode != ModeBusyNotified && e.mode != ModeInSession) {
			return ErrNotWaiting
		}
		e.send(signal.New(signal.TypeWaitNotify, e.cfg.SelfID, e.busyTarget, nil))
		if e.mode == ModeBusyNotified {
			e.setMode(ModeWaiting)
		}
		return nil
	})
}

// CancelWait abandons the busy target. If other participants are live
// the session continues; otherwise everything is torn down to IDLE.
func (e *Engine) CancelWait() error {
	return e.doWait(func() error {
		if e.busyTarget == "" {
			return ErrNotWaiting
		}
		target := e.busyTarget
		e.busyTarget = ""
		e.send(signal.New(signal.TypeHangup, e.cfg.SelfID, target, nil))
		e.reg.drop(target)
		if len(e.participants) > 0 {
			e.setMode(ModeInSession)
		} else {
			e.teardown(false)
		}
		return nil
	})
}

// AcceptWaitingCaller merges a caller who got BUSY and chose to wait
// into the running session, replaying their cached offer.
func (e *Engine) AcceptWaitingCaller(id string) error {
	if err := e.ensureMedia(); err != nil {
		return err
	}
	return e.doWait(func() error {
		if e.mode != ModeInSession {
			return ErrBadState
		}
		offer, ok := e.pendingOffers[id]
		if !ok {
			return ErrNotRinging
		}
		p, err := offer.Offer()
		if err != nil {
			return err
		}
		delete(e.pendingOffers, id)
		delete(e.waiting, id)
		if err := e.answerFresh(id, p.SDP, false); err != nil {
			return err
		}
		e.meshIntroduce(id)
		return nil
	})
}

// ToggleLocalTrack turns sharing of the given kind on or off and
// renegotiates every live connection. Returns whether the kind is now
// enabled. Display capture returns media.ErrUnavailable on platforms
// without a screen source.
func (e *Engine) ToggleLocalTrack(kind media.Kind) (bool, error) {
	if _, ok := e.local.Get(kind); ok {
		err := e.doWait(func() error {
			t := e.local.Remove(kind)
			e.syncAllTracks()
			e.renegotiateAll()
			if t != nil {
				_ = t.Close()
			}
			return nil
		})
		return false, err
	}

	t, err := e.src.Acquire(kind)
	if err != nil {
		return false, err
	}
	err = e.doWait(func() error {
		if old := e.local.Put(kind, t); old != nil {
			_ = old.Close()
		}
		e.syncAllTracks()
		e.renegotiateAll()
		return nil
	})
	if err != nil {
		_ = t.Close()
		return false, err
	}
	return true, nil
}

// Mode returns the current session mode.
func (e *Engine) Mode() Mode {
	m := ModeIdle
	if err := e.doWait(func() error { m = e.mode; return nil }); err != nil {
		return ModeIdle
	}
	return m
}

// Participants returns the confirmed participant ids, sorted.
func (e *Engine) Participants() []string {
	var out []string
	_ = e.doWait(func() error {
		for id := range e.participants {
			out = append(out, id)
		}
		return nil
	})
	sort.Strings(out)
	return out
}

// PeerStates returns the connection state per live peer entry.
func (e *Engine) PeerStates() map[string]string {
	out := make(map[string]string)
	_ = e.doWait(func() error {
		for id, ent := range e.reg.entries {
			out[id] = ent.state.String()
		}
		return nil
	})
	return out
}

// Streams returns the remote stream containers of all live peers.
func (e *Engine) Streams() []*RemoteStream {
	var out []*RemoteStream
	_ = e.doWait(func() error {
		for _, id := range e.reg.ids() {
			out = append(out, e.reg.get(id).stream)
		}
		return nil
	})
	return out
}

// LocalKinds returns the kinds currently captured and shared.
func (e *Engine) LocalKinds() []media.Kind {
	return e.local.Kinds()
}

// WaitingCallers returns the ids of callers who are waiting to merge.
func (e *Engine) WaitingCallers() []string {
	var out []string
	_ = e.doWait(func() error {
		for id := range e.waiting {
			out = append(out, id)
		}
		return nil
	})
	sort.Strings(out)
	return out
}

// Subscribe returns a channel of engine events and a cancel func.
// Events are dropped, never blocked on, when the subscriber lags.
func (e *Engine) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 32)
	e.lmu.Lock()
	e.listeners[ch] = struct{}{}
	e.lmu.Unlock()
	cancel := func() {
		e.lmu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.lmu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) emit(evt Event) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	for ch := range e.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (e *Engine) setMode(m Mode) {
	if e.mode == m {
		return
	}
	e.mode = m
	log.Printf("CALL [%s]: mode -> %s", e.cfg.SelfID, m)
	e.emit(Event{Type: EventMode, Mode: m})
}

func (e *Engine) checkTargets(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if id == e.cfg.SelfID {
			return nil, ErrSelfCall
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, errors.New("call: no targets")
	}
	return out, nil
}

// ensureMedia acquires microphone and camera if the local set is empty.
// Partial success (audio-only or video-only) is fine; total failure is
// ErrMediaUnavailable. Runs on the caller's goroutine: device opens
// block and must not stall the run loop.
func (e *Engine) ensureMedia() error {
	if len(e.local.Tracks()) > 0 {
		return nil
	}
	var got bool
	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		t, err := e.src.Acquire(kind)
		if err != nil {
			if !errors.Is(err, media.ErrUnavailable) {
				log.Printf("CALL [%s]: acquire %s: %v", e.cfg.SelfID, kind, err)
			}
			continue
		}
		if old := e.local.Put(kind, t); old != nil {
			_ = old.Close()
		}
		got = true
	}
	if !got {
		return ErrMediaUnavailable
	}
	return nil
}
