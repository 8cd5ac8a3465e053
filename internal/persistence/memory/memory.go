// Package memory is an in-process stand-in for internal/store, built to
// satisfy persistence.Store/persistence.Tx for tests that need real
// transactional semantics (including rollback) without a live Postgres
// instance. It is not wired into cmd/server — production always talks to
// internal/store — but it is exercised directly by internal/engine's
// scenario tests, the same way spec.md's design notes describe.
package memory

import (
	"context"
	"sync"

	"foretoken/internal/model"
	"foretoken/internal/persistence"
)

type balKey struct {
	userID string
	scope  model.Scope
}

type posKey struct {
	marketID, userID string
}

// Store holds every table the real store.Store owns, keyed the same way
// the SQL schema keys them. A single mutex stands in for Postgres's row
// locking: only one Tx may be open at a time, matching the engine's own
// single-writer-per-market discipline plus the ledger's ascending lock
// order across markets.
type Store struct {
	mu    sync.Mutex
	clock persistence.Clock

	markets   map[string]model.Market
	orders    map[string]model.Order
	balances  map[balKey]model.Balance
	positions map[posKey]model.Position
	trades    []model.Trade
	events    []model.EventLog
	feeCents  int64
}

func New(clock persistence.Clock) *Store {
	if clock == nil {
		clock = persistence.SystemClock{}
	}
	return &Store{
		clock:     clock,
		markets:   make(map[string]model.Market),
		orders:    make(map[string]model.Order),
		balances:  make(map[balKey]model.Balance),
		positions: make(map[posKey]model.Position),
	}
}

// ── Test seeding (bypasses the Tx interface; only the concrete type
// exposes these, so production code that only holds a persistence.Store
// can never reach them) ──────────────────────────────────────────────

func (s *Store) SeedMarket(m model.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[m.ID] = m
}

func (s *Store) SeedBalance(userID string, scope model.Scope, cents int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balKey{userID, scope}] = model.Balance{UserID: userID, Scope: scope, BalanceCents: cents}
}

func (s *Store) SeedPosition(p model.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[posKey{p.MarketID, p.UserID}] = p
}

func (s *Store) Balance(userID string, scope model.Scope) model.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[balKey{userID, scope}]
}

func (s *Store) Position(marketID, userID string) model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[posKey{marketID, userID}]
}

func (s *Store) PlatformFee() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeCents
}

func (s *Store) Trades() []model.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

// ── persistence.Store ────────────────────────────────────────────────

func (s *Store) GetOpenMarkets(ctx context.Context) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Market
	for _, m := range s.markets {
		if m.Status == model.MarketOpen {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) GetOpenOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Order
	for _, o := range s.orders {
		if o.MarketID == marketID && (o.Status == model.StatusOpen || o.Status == model.StatusPartial) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Store) MaxSeq(ctx context.Context, marketID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, o := range s.orders {
		if o.MarketID == marketID && o.Seq > max {
			max = o.Seq
		}
	}
	for _, t := range s.trades {
		if t.MarketID == marketID && t.Seq > max {
			max = t.Seq
		}
	}
	for _, e := range s.events {
		if e.MarketID != nil && *e.MarketID == marketID && e.Seq != nil && *e.Seq > max {
			max = *e.Seq
		}
	}
	return max, nil
}

func (s *Store) ListPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			out = append(out, p)
		}
	}
	return out, nil
}

// BeginTx locks the whole store for the duration of the transaction and
// snapshots every table so Rollback can restore it verbatim — the
// in-memory equivalent of Postgres discarding an uncommitted tx.
func (s *Store) BeginTx(ctx context.Context) (persistence.Tx, error) {
	s.mu.Lock()
	return &tx{
		s:              s,
		savedMarkets:   cloneMap(s.markets),
		savedOrders:    cloneMap(s.orders),
		savedBalances:  cloneMap(s.balances),
		savedPositions: cloneMap(s.positions),
		savedTradesLen: len(s.trades),
		savedEventsLen: len(s.events),
		savedFee:       s.feeCents,
	}, nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ── persistence.Tx ───────────────────────────────────────────────────

type tx struct {
	s *Store

	savedMarkets   map[string]model.Market
	savedOrders    map[string]model.Order
	savedBalances  map[balKey]model.Balance
	savedPositions map[posKey]model.Position
	savedTradesLen int
	savedEventsLen int
	savedFee       int64

	done bool
}

func (t *tx) GetBalanceForUpdate(userID string, scope model.Scope) (*model.Balance, error) {
	key := balKey{userID, scope}
	b, ok := t.s.balances[key]
	if !ok {
		b = model.Balance{UserID: userID, Scope: scope}
		t.s.balances[key] = b
	}
	cp := b
	return &cp, nil
}

func (t *tx) BalanceAddLocked(userID string, scope model.Scope, delta int64) error {
	key := balKey{userID, scope}
	b := t.s.balances[key]
	b.UserID, b.Scope = userID, scope
	b.LockedCents += delta
	t.s.balances[key] = b
	return nil
}

func (t *tx) BalanceAddAmount(userID string, scope model.Scope, delta int64) error {
	key := balKey{userID, scope}
	b := t.s.balances[key]
	b.UserID, b.Scope = userID, scope
	b.BalanceCents += delta
	t.s.balances[key] = b
	return nil
}

func (t *tx) GetPositionForUpdate(marketID, userID string) (*model.Position, error) {
	key := posKey{marketID, userID}
	p, ok := t.s.positions[key]
	if !ok {
		p = model.Position{MarketID: marketID, UserID: userID}
		t.s.positions[key] = p
	}
	cp := p
	return &cp, nil
}

func (t *tx) SavePosition(p *model.Position) error {
	t.s.positions[posKey{p.MarketID, p.UserID}] = *p
	return nil
}

func (t *tx) InsertOrder(o *model.Order) error {
	now := t.s.clock.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	t.s.orders[o.ID] = *o
	return nil
}

func (t *tx) UpdateOrderFill(orderID string, remainingQty int, lockedCents int64, lockedShares int, status model.OrderStatus) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return nil
	}
	o.RemainingQty, o.LockedCents, o.LockedShares, o.Status = remainingQty, lockedCents, lockedShares, status
	o.UpdatedAt = t.s.clock.Now()
	t.s.orders[orderID] = o
	return nil
}

func (t *tx) CancelOrderRow(orderID string) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return nil
	}
	o.Status, o.RemainingQty, o.LockedCents, o.LockedShares = model.StatusCanceled, 0, 0, 0
	o.UpdatedAt = t.s.clock.Now()
	t.s.orders[orderID] = o
	return nil
}

func (t *tx) InsertTrade(tr *model.Trade) error {
	tr.CreatedAt = t.s.clock.Now()
	t.s.trades = append(t.s.trades, *tr)
	return nil
}

func (t *tx) AddPlatformFee(cents int64) error {
	t.s.feeCents += cents
	return nil
}

func (t *tx) AddMarketVolume(marketID string, cents int64) error {
	m, ok := t.s.markets[marketID]
	if !ok {
		return nil
	}
	m.VolumeCents += cents
	t.s.markets[marketID] = m
	return nil
}

func (t *tx) ZeroPositions(marketID string) error {
	for k, p := range t.s.positions {
		if k.marketID == marketID {
			p.YesShares, p.NoShares, p.LockedYesShares, p.LockedNoShares = 0, 0, 0, 0
			t.s.positions[k] = p
		}
	}
	return nil
}

func (t *tx) ResolveMarketTx(marketID string, outcome model.Side) error {
	m, ok := t.s.markets[marketID]
	if !ok {
		return nil
	}
	now := t.s.clock.Now()
	m.Status, m.Outcome, m.ResolvedAt = model.MarketResolved, &outcome, &now
	t.s.markets[marketID] = m
	return nil
}

func (t *tx) DeleteMarketTx(marketID string) error {
	m, ok := t.s.markets[marketID]
	if !ok {
		return nil
	}
	now := t.s.clock.Now()
	m.Status, m.ResolvedAt = model.MarketDeleted, &now
	t.s.markets[marketID] = m
	return nil
}

func (t *tx) AppendEvent(marketID *string, seq *int64, evType string, payload any) error {
	t.s.events = append(t.s.events, model.EventLog{
		MarketID: marketID, Seq: seq, Type: evType, PayloadJSON: payload, CreatedAt: t.s.clock.Now(),
	})
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

// Rollback restores every table to how it looked at BeginTx, discarding
// every mutation this Tx made — the in-memory equivalent of a Postgres
// ROLLBACK undoing an uncommitted transaction.
func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.markets = t.savedMarkets
	t.s.orders = t.savedOrders
	t.s.balances = t.savedBalances
	t.s.positions = t.savedPositions
	t.s.trades = t.s.trades[:t.savedTradesLen]
	t.s.events = t.s.events[:t.savedEventsLen]
	t.s.feeCents = t.savedFee
	t.s.mu.Unlock()
	return nil
}
