package signal

import (
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsMinBackoff = time.Second
	wsMaxBackoff = 30 * time.Second
)

// WSClient is the relay-backed Transport. It keeps one WebSocket to the
// relay, reconnecting with exponential backoff; while disconnected,
// Send is a silent no-op, matching the best-effort delivery contract.
type WSClient struct {
	selfID string
	label  string
	wsURL  string

	mu        sync.Mutex
	conn      *websocket.Conn
	listeners map[chan Message]struct{}
	closed    bool
	stop      chan struct{}
}

// DialRelay builds the relay transport and starts its connect loop.
// base is the relay's HTTP address, e.g. "ws://host:8942".
func DialRelay(base, selfID, label string) (*WSClient, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("signal: relay url: %w", err)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("peer", selfID)
	q.Set("label", label)
	u.RawQuery = q.Encode()

	c := &WSClient{
		selfID:    selfID,
		label:     label,
		wsURL:     u.String(),
		listeners: make(map[chan Message]struct{}),
		stop:      make(chan struct{}),
	}
	go c.connectLoop()
	return c, nil
}

func (c *WSClient) connectLoop() {
	backoff := wsMinBackoff
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.wsURL, nil)
		if err != nil {
			log.Printf("SIGNAL: relay dial: %v (retry in %s)", err, backoff)
			select {
			case <-time.After(backoff):
			case <-c.stop:
				return
			}
			if backoff *= 2; backoff > wsMaxBackoff {
				backoff = wsMaxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		log.Printf("SIGNAL: relay connected as %s", c.selfID)
		backoff = wsMinBackoff

		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Printf("SIGNAL: relay read: %v", err)
			return
		}
		if !msg.For(c.selfID) || msg.SenderID == c.selfID {
			continue
		}
		c.mu.Lock()
		for ch := range c.listeners {
			select {
			case ch <- msg:
			default:
				log.Printf("SIGNAL: listener for %s full, dropping %s from %s", c.selfID, msg.Type, msg.SenderID)
			}
		}
		c.mu.Unlock()
	}
}

// Send forwards one envelope through the relay. Disconnected periods
// swallow the message without error.
func (c *WSClient) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("signal: relay client is closed")
	}
	if c.conn == nil {
		return nil
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Printf("SIGNAL: relay write: %v", err)
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *WSClient) Subscribe() (chan Message, func()) {
	ch := make(chan Message, 256)
	c.mu.Lock()
	if c.closed {
		close(ch)
		c.mu.Unlock()
		return ch, func() {}
	}
	c.listeners[ch] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = nil
	c.mu.Unlock()
	return nil
}
