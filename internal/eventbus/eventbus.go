// Package eventbus is the transport-agnostic publish/subscribe layer
// between the matching engine and whatever forwards events to clients
// (internal/ws today, maybe a webhook sink tomorrow). The engine never
// imports a transport package; it only publishes Events here.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"
)

type Kind string

const (
	OrderbookUpdate Kind = "ORDERBOOK_UPDATE"
	TradeExecuted   Kind = "TRADE_EXECUTED"
	PortfolioUpdate Kind = "PORTFOLIO_UPDATE"
)

// Event is one notification. MarketID is set on ORDERBOOK_UPDATE and
// TRADE_EXECUTED; PORTFOLIO_UPDATE sets UserID instead, since it is
// addressed to one user rather than broadcast to a market room (its
// payload names the market).
type Event struct {
	Kind     Kind   `json:"type"`
	MarketID string `json:"market_id"`
	UserID   string `json:"user_id,omitempty"`
	Payload  any    `json:"data"`
}

// subscriberBuffer bounds how far a slow consumer can lag the engine
// before new events for it are dropped. The engine's critical
// path never blocks on a subscriber; publish always returns immediately.
const subscriberBuffer = 128

// Subscriber is a handle a transport layer reads from. Each Subscriber
// is meant to be drained by its own goroutine (a websocket connection's
// write pump), which is what keeps delivery decoupled from the engine.
type Subscriber struct {
	ch     chan Event
	bus    *Bus
	market string
	user   string
}

func (s *Subscriber) Events() <-chan Event { return s.ch }

func (s *Subscriber) Close() {
	if s.market != "" {
		s.bus.unsubscribeMarket(s.market, s)
	}
	if s.user != "" {
		s.bus.unsubscribeUser(s.user, s)
	}
}

// Bus fans out events published by the matching engine to every
// interested subscriber, keyed by market id for ORDERBOOK_UPDATE and
// TRADE_EXECUTED, and by user id for PORTFOLIO_UPDATE.
type Bus struct {
	mu         sync.RWMutex
	byMarket   map[string]map[*Subscriber]bool
	byUser     map[string]map[*Subscriber]bool
	log        zerolog.Logger
}

func New(log zerolog.Logger) *Bus {
	return &Bus{
		byMarket: make(map[string]map[*Subscriber]bool),
		byUser:   make(map[string]map[*Subscriber]bool),
		log:      log.With().Str("component", "eventbus").Logger(),
	}
}

func (b *Bus) SubscribeMarket(marketID string) *Subscriber {
	s := &Subscriber{ch: make(chan Event, subscriberBuffer), bus: b, market: marketID}
	b.mu.Lock()
	defer b.mu.Unlock()
	room, ok := b.byMarket[marketID]
	if !ok {
		room = make(map[*Subscriber]bool)
		b.byMarket[marketID] = room
	}
	room[s] = true
	return s
}

func (b *Bus) SubscribeUser(userID string) *Subscriber {
	s := &Subscriber{ch: make(chan Event, subscriberBuffer), bus: b, user: userID}
	b.mu.Lock()
	defer b.mu.Unlock()
	room, ok := b.byUser[userID]
	if !ok {
		room = make(map[*Subscriber]bool)
		b.byUser[userID] = room
	}
	room[s] = true
	return s
}

func (b *Bus) unsubscribeMarket(marketID string, s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room, ok := b.byMarket[marketID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(b.byMarket, marketID)
		}
	}
}

func (b *Bus) unsubscribeUser(userID string, s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room, ok := b.byUser[userID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(b.byUser, userID)
		}
	}
}

// PublishMarket broadcasts to every subscriber of a market. Never
// blocks: a subscriber whose buffer is full silently misses this event,
// since both ORDERBOOK_UPDATE and TRADE_EXECUTED are followed by a fresh
// snapshot on the next mutation and are not meant to be a gapless log.
func (b *Bus) PublishMarket(marketID string, kind Kind, payload any) {
	ev := Event{Kind: kind, MarketID: marketID, Payload: payload}
	b.mu.RLock()
	room := b.byMarket[marketID]
	subs := make([]*Subscriber, 0, len(room))
	for s := range room {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			b.log.Warn().Str("market_id", marketID).Str("kind", string(kind)).Msg("subscriber buffer full, dropping event")
		}
	}
}

// PublishUser delivers a PORTFOLIO_UPDATE to one user's subscribers
// (normally just their own open websocket connection, but a user may
// have more than one tab open).
func (b *Bus) PublishUser(userID string, payload any) {
	ev := Event{Kind: PortfolioUpdate, UserID: userID, Payload: payload}
	b.mu.RLock()
	room := b.byUser[userID]
	subs := make([]*Subscriber, 0, len(room))
	for s := range room {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			b.log.Warn().Str("user_id", userID).Msg("subscriber buffer full, dropping portfolio event")
		}
	}
}
