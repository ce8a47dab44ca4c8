package app

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glbimr/nexa/internal/call"
	"github.com/glbimr/nexa/internal/media"
	"github.com/glbimr/nexa/internal/notify"
	"github.com/glbimr/nexa/internal/state"
	"github.com/glbimr/nexa/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// API is the local control surface: a JSON HTTP interface over the
// engine, the presence table, and the notification store. It binds to
// loopback by default; there is no auth layer.
type API struct {
	engine    *call.Engine
	peers     *state.Table
	store     *notify.Store
	selfID    string
	selfLabel func() string
	logs      *util.LogBuffer
}

func NewAPI(engine *call.Engine, peers *state.Table, store *notify.Store, selfID string, selfLabel func() string) *API {
	return &API{
		engine:    engine,
		peers:     peers,
		store:     store,
		selfID:    selfID,
		selfLabel: selfLabel,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handleGet(mux, "/api/self", a.getSelf)
	handleGet(mux, "/api/state", a.getState)
	handleGet(mux, "/api/peers", a.getPeers)
	handleGet(mux, "/api/missed", a.getMissed)
	handleGet(mux, "/api/events", a.getEvents)
	handleGet(mux, "/api/logs", func(w http.ResponseWriter, _ *http.Request) {
		lines := []string{}
		if a.logs != nil {
			lines = a.logs.Lines()
		}
		writeJSON(w, lines)
	})
	mux.HandleFunc("/api/call/stream", a.streamEvents)

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Targets []string `json:"targets"`
	}) {
		if len(req.Targets) == 0 {
			http.Error(w, "targets is required", http.StatusBadRequest)
			return
		}
		a.reply(w, a.engine.StartSession(req.Targets))
	})

	handlePost(mux, "/api/call/add", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string `json:"peer"`
	}) {
		if req.Peer == "" {
			http.Error(w, "peer is required", http.StatusBadRequest)
			return
		}
		a.reply(w, a.engine.AddParticipant(req.Peer))
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		a.reply(w, a.engine.AcceptIncomingCall())
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		Missed bool `json:"missed"`
	}) {
		a.reply(w, a.engine.RejectIncomingCall(req.Missed))
	})

	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		a.reply(w, a.engine.EndSession())
	})

	handlePost(mux, "/api/call/wait", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		a.reply(w, a.engine.WaitForBusy())
	})

	handlePost(mux, "/api/call/wait/cancel", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		a.reply(w, a.engine.CancelWait())
	})

	handlePost(mux, "/api/call/merge", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string `json:"peer"`
	}) {
		if req.Peer == "" {
			http.Error(w, "peer is required", http.StatusBadRequest)
			return
		}
		a.reply(w, a.engine.AcceptWaitingCaller(req.Peer))
	})

	handlePost(mux, "/api/call/toggle", func(w http.ResponseWriter, r *http.Request, req struct {
		Kind string `json:"kind"`
	}) {
		enabled, err := a.engine.ToggleLocalTrack(media.Kind(req.Kind))
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]any{"kind": req.Kind, "enabled": enabled})
	})

	handlePost(mux, "/api/missed/seen", func(w http.ResponseWriter, r *http.Request, req struct {
		ID int64 `json:"id"`
	}) {
		a.reply(w, a.store.MarkSeen(req.ID))
	})

	return mux
}

func (a *API) getSelf(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"id":    a.selfID,
		"label": a.selfLabel(),
		"mode":  a.engine.Mode(),
	})
}

func (a *API) getState(w http.ResponseWriter, _ *http.Request) {
	kinds := a.engine.LocalKinds()
	local := make([]string, 0, len(kinds))
	for _, k := range kinds {
		local = append(local, string(k))
	}
	writeJSON(w, map[string]any{
		"mode":         a.engine.Mode(),
		"participants": a.engine.Participants(),
		"peer_states":  a.engine.PeerStates(),
		"local_tracks": local,
		"waiting":      a.engine.WaitingCallers(),
	})
}

func (a *API) getPeers(w http.ResponseWriter, _ *http.Request) {
	type peerVM struct {
		ID       string    `json:"id"`
		Label    string    `json:"label,omitempty"`
		Online   bool      `json:"online"`
		LastSeen time.Time `json:"last_seen"`
	}
	snap := a.peers.Snapshot()
	out := make([]peerVM, 0, len(snap))
	for id, p := range snap {
		out = append(out, peerVM{ID: id, Label: p.Label, Online: p.Reachable, LastSeen: p.LastSeen})
	}
	writeJSON(w, out)
}

func (a *API) getMissed(w http.ResponseWriter, r *http.Request) {
	limit := atoiOr(r.URL.Query().Get("limit"), 50)
	missed, err := a.store.Missed(limit)
	if err != nil {
		httpError(w, err)
		return
	}
	unseen, err := a.store.UnseenCount()
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]any{"missed": missed, "unseen": unseen})
}

func (a *API) getEvents(w http.ResponseWriter, r *http.Request) {
	limit := atoiOr(r.URL.Query().Get("limit"), 50)
	events, err := a.store.Events(limit)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, events)
}

// eventVM is the wire form of an engine event; remote streams are
// referenced by peer id, the tracks themselves never leave the process.
type eventVM struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id,omitempty"`
	Mode   string `json:"mode,omitempty"`
	State  string `json:"state,omitempty"`
}

// streamEvents pushes engine events over a websocket until the client
// goes away.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("API: stream upgrade: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := a.engine.Subscribe()
	defer cancel()

	// Reads only serve to detect the peer closing the socket.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			vm := eventVM{
				Type:   string(evt.Type),
				PeerID: evt.PeerID,
				Mode:   string(evt.Mode),
				State:  evt.State,
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(vm); err != nil {
				return
			}
		}
	}
}

func (a *API) reply(w http.ResponseWriter, err error) {
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrSelfCall):
		status = http.StatusBadRequest
	case errors.Is(err, call.ErrBadState),
		errors.Is(err, call.ErrNotRinging),
		errors.Is(err, call.ErrNotWaiting):
		status = http.StatusConflict
	case errors.Is(err, call.ErrMediaUnavailable), errors.Is(err, media.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, call.ErrClosed):
		status = http.StatusGone
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: write response: %v", err)
	}
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request body", http.StatusBadRequest)
				return
			}
		}
		fn(w, r, req)
	})
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return def
		}
		n = n*10 + int(ch-'0')
	}
	return n
}
