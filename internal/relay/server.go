// Package relay is the rendezvous fallback: a WebSocket fan-out that
// forwards signaling envelopes between peers that cannot reach each
// other over the local mesh. It never inspects payloads; addressed
// messages go to one peer, everything else to all but the sender. It
// also synthesizes presence traffic so connected peers see each other.
package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glbimr/nexa/internal/signal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 54 * time.Second
)

// Server is the relay state: one client per peer identity.
type Server struct {
	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	id    string
	label string
	conn  *websocket.Conn
	send  chan []byte
}

func NewServer() *Server {
	return &Server{clients: make(map[string]*client)}
}

// Handler returns the HTTP surface: /ws?peer=<id>&label=<name>.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		http.Error(w, "peer is required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: upgrade for %s: %v", peerID, err)
		return
	}

	c := &client{
		id:    peerID,
		label: r.URL.Query().Get("label"),
		conn:  conn,
		send:  make(chan []byte, 256),
	}

	s.mu.Lock()
	if old, ok := s.clients[peerID]; ok {
		// A reconnect supersedes the stale registration.
		close(old.send)
		s.clients[peerID] = c
	} else {
		s.clients[peerID] = c
	}
	others := make([]*client, 0, len(s.clients))
	for id, other := range s.clients {
		if id != peerID {
			others = append(others, other)
		}
	}
	s.mu.Unlock()

	log.Printf("RELAY: peer %s connected (%d online)", peerID, len(others)+1)

	// The newcomer learns who is already here; everyone else learns
	// about the newcomer.
	for _, other := range others {
		c.push(presenceMsg(other.id, other.label, true))
	}
	s.route(presenceMsg(peerID, c.label, true))

	go c.writePump()
	s.readPump(c)
}

func presenceMsg(peerID, label string, online bool) signal.Message {
	return signal.New(signal.TypePresence, peerID, "", signal.PresencePayload{
		PeerID: peerID,
		Online: online,
		Label:  label,
		TS:     time.Now().Unix(),
	})
}

// route forwards one envelope: addressed to a single peer, otherwise
// to every peer except the sender.
func (s *Server) route(msg signal.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if msg.RecipientID != "" {
		if c, ok := s.clients[msg.RecipientID]; ok {
			c.push(msg)
		} else {
			log.Printf("RELAY: %s from %s for absent peer %s dropped", msg.Type, msg.SenderID, msg.RecipientID)
		}
		return
	}
	for id, c := range s.clients {
		if id != msg.SenderID {
			c.push(msg)
		}
	}
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		current := false
		if cur, ok := s.clients[c.id]; ok && cur == c {
			delete(s.clients, c.id)
			current = true
		}
		s.mu.Unlock()
		c.conn.Close()
		// A superseded socket must not announce offline: its replacement
		// already broadcast online, and nothing would re-announce after.
		if current {
			s.route(presenceMsg(c.id, c.label, false))
		}
		log.Printf("RELAY: peer %s disconnected", c.id)
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("RELAY: read from %s: %v", c.id, err)
			}
			return
		}
		var msg signal.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("RELAY: bad envelope from %s: %v", c.id, err)
			continue
		}
		// The socket, not the envelope, is authoritative for identity.
		msg.SenderID = c.id
		s.route(msg)
	}
}

func (c *client) push(msg signal.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("RELAY: marshal for %s: %v", c.id, err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("RELAY: buffer full for %s, dropping %s", c.id, msg.Type)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
