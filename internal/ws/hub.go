// Package ws forwards eventbus events to browser clients over
// gorilla/websocket. It has no opinion on matching or accounting; it
// only relays whatever the eventbus hands it.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"foretoken/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub upgrades HTTP connections and relays eventbus traffic to them. A
// connection can watch at most one market room plus its own portfolio
// feed at a time.
type Hub struct {
	bus *eventbus.Bus
	log zerolog.Logger

	mu      sync.Mutex
	allConn map[*conn]bool
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	userID string

	mu         sync.Mutex
	marketSub  *eventbus.Subscriber
	portfolio  *eventbus.Subscriber
}

func NewHub(bus *eventbus.Bus, log zerolog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		log:     log.With().Str("component", "ws").Logger(),
		allConn: make(map[*conn]bool),
	}
}

// HandleWS upgrades the connection and, if userID is non-empty
// (authenticated via the same bearer token the REST API uses), wires up
// that user's portfolio feed immediately.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, userID string) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	c := &conn{ws: wsConn, send: make(chan []byte, 64), hub: h, userID: userID}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()

	if userID != "" {
		c.portfolio = h.bus.SubscribeUser(userID)
		go c.relay(c.portfolio)
	}

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		var sub struct {
			Action   string `json:"action"`
			MarketID string `json:"market_id"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.subscribeMarket(sub.MarketID)
		case "unsubscribe":
			c.unsubscribeMarket()
		}
	}
}

func (c *conn) subscribeMarket(marketID string) {
	c.mu.Lock()
	prev := c.marketSub
	c.marketSub = c.hub.bus.SubscribeMarket(marketID)
	next := c.marketSub
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	go c.relay(next)
}

func (c *conn) unsubscribeMarket() {
	c.mu.Lock()
	prev := c.marketSub
	c.marketSub = nil
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// relay drains one eventbus.Subscriber into the connection's send
// channel until the subscriber is closed (by resubscription or
// disconnect). Running each subscription on its own goroutine is what
// keeps a slow browser tab from ever blocking the engine: the engine
// only ever touches the bounded, non-blocking eventbus buffer.
func (c *conn) relay(sub *eventbus.Subscriber) {
	for ev := range sub.Events() {
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		select {
		case c.send <- b:
		default:
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	delete(h.allConn, c)
	h.mu.Unlock()

	c.mu.Lock()
	if c.marketSub != nil {
		c.marketSub.Close()
	}
	if c.portfolio != nil {
		c.portfolio.Close()
	}
	c.mu.Unlock()
	close(c.send)
}
