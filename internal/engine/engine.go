// Package engine runs one goroutine per open market, each the single
// writer for that market's order book and the sole caller into the
// ledger on that market's behalf. External callers never touch the book
// or the ledger directly — they submit a command and wait for a reply,
// so all matching, minting, resolution and deletion serialize naturally
// without a mutex.
package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"foretoken/internal/apperr"
	"foretoken/internal/eventbus"
	"foretoken/internal/ledger"
	"foretoken/internal/model"
	"foretoken/internal/orderbook"
	"foretoken/internal/persistence"
)

const cmdQueueDepth = 256

// Manager owns the set of running market engines and boots one goroutine
// per open market at startup.
type Manager struct {
	mu      sync.RWMutex
	engines map[string]*MarketEngine

	store  persistence.Store
	ledger *ledger.Ledger
	bus    *eventbus.Bus
	feeBps int
	log    zerolog.Logger
}

func NewManager(st persistence.Store, lg *ledger.Ledger, bus *eventbus.Bus, feeBps int, log zerolog.Logger) *Manager {
	return &Manager{
		engines: make(map[string]*MarketEngine),
		store:   st,
		ledger:  lg,
		bus:     bus,
		feeBps:  feeBps,
		log:     log.With().Str("component", "engine").Logger(),
	}
}

// Boot starts a worker for every market still OPEN, rebuilding each
// book from its OPEN/PARTIAL orders — positions and balances are
// already durable, and trades are append-only and never replayed.
func (m *Manager) Boot(ctx context.Context) error {
	markets, err := m.store.GetOpenMarkets(ctx)
	if err != nil {
		return err
	}
	for _, mkt := range markets {
		if err := m.StartEngine(ctx, mkt); err != nil {
			return err
		}
	}
	m.log.Info().Int("markets", len(markets)).Msg("booted open markets")
	return nil
}

// StartEngine spawns a worker for a single market and registers it.
// Used both at Boot and right after a new market is created.
func (m *Manager) StartEngine(ctx context.Context, mkt model.Market) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[mkt.ID]; ok {
		return nil
	}
	e, err := newMarketEngine(ctx, m.store, m.ledger, m.bus, m.feeBps, m.log, mkt)
	if err != nil {
		return err
	}
	m.engines[mkt.ID] = e
	// Background context: the engine must outlive whatever HTTP request
	// triggered its creation.
	go e.run(context.Background())
	return nil
}

func (m *Manager) GetEngine(marketID string) (*MarketEngine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[marketID]
	return e, ok
}

// MarketEngine is the single actor for one market: everything it touches
// (book, status, seq) is only ever mutated from its own run goroutine.
type MarketEngine struct {
	marketID string
	scope    model.Scope
	status   model.MarketStatus

	book  *orderbook.OrderBook
	seq   int64
	cmdCh chan command

	store  persistence.Store
	ledger *ledger.Ledger
	bus    *eventbus.Bus
	feeBps int
	log    zerolog.Logger

	// bgCtx backs the ledger/DB calls a command issues once it has
	// already been accepted onto cmdCh: a command that entered the
	// channel runs to completion regardless of whether the caller's own
	// context is later canceled.
	bgCtx context.Context

	halted    bool
	haltedErr error
}

func newMarketEngine(ctx context.Context, st persistence.Store, lg *ledger.Ledger, bus *eventbus.Bus, feeBps int, log zerolog.Logger, mkt model.Market) (*MarketEngine, error) {
	e := &MarketEngine{
		marketID: mkt.ID,
		scope:    mkt.Scope,
		status:   mkt.Status,
		book:     orderbook.New(),
		cmdCh:    make(chan command, cmdQueueDepth),
		store:    st,
		ledger:   lg,
		bus:      bus,
		feeBps:   feeBps,
		log:      log.With().Str("market_id", mkt.ID).Logger(),
		bgCtx:    context.Background(),
	}

	open, err := st.GetOpenOrders(ctx, mkt.ID)
	if err != nil {
		return nil, err
	}
	for i := range open {
		o := open[i]
		e.book.Add(&orderbook.OrderEntry{
			OrderID: o.ID, UserID: o.UserID, MarketSide: o.Side, Kind: o.Kind,
			PriceCents: derefPrice(o.PriceCents), RemainingQty: o.RemainingQty,
			LockedCents: o.LockedCents, LockedShares: o.LockedShares, Seq: o.Seq,
		})
	}

	seq, err := st.MaxSeq(ctx, mkt.ID)
	if err != nil {
		return nil, err
	}
	e.seq = seq
	e.log.Info().Int("orders_loaded", len(open)).Int64("seq", seq).Msg("market engine recovered")
	return e, nil
}

func derefPrice(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func (e *MarketEngine) nextSeq() int64 {
	e.seq++
	return e.seq
}

// run is the engine's only goroutine. Every mutation to book, status or
// seq happens here, so none of them need a lock. A command that panics
// halts the worker rather than taking the process down with it — per
// the fatal tier of the error taxonomy, that market needs admin
// intervention, not a crash loop.
func (e *MarketEngine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-e.cmdCh:
			if !ok {
				return
			}
			if e.halted {
				cmd.fail(e.haltedErr)
				continue
			}
			e.execSafely(cmd)
		}
	}
}

func (e *MarketEngine) execSafely(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			e.halted = true
			e.haltedErr = apperr.Fatal("market worker panicked: %v", r)
			e.log.Error().Interface("panic", r).Msg("market worker halted")
			cmd.fail(e.haltedErr)
		}
	}()
	cmd.exec(e)
}

// ── Command plumbing ─────────────────────────────────────

// command is one unit of work handled exclusively by the market's run
// goroutine. fail lets the run loop reply to a command it cannot execute
// (the worker is halted, or it panicked mid-flight) without duplicating
// each command's own reply logic.
type command interface {
	exec(e *MarketEngine)
	fail(err error)
}

func (e *MarketEngine) enqueue(ctx context.Context, cmd command) error {
	select {
	case e.cmdCh <- cmd:
		return nil
	case <-ctx.Done():
		return apperr.New(apperr.CodeTimeout, apperr.KindTransient, "command queue full or deadline exceeded")
	}
}

type placeCmd struct {
	userID string
	req    model.PlaceOrderReq
	result chan model.PlaceOrderResult
	err    chan error
}

func (c *placeCmd) exec(e *MarketEngine) { c.result <- e.processOrder(c.userID, c.req) }
func (c *placeCmd) fail(err error)       { c.err <- err }

// PlaceOrder submits a LIMIT or MARKET order (distinguished by
// req.Type) and blocks for the outcome.
func (e *MarketEngine) PlaceOrder(ctx context.Context, userID string, req model.PlaceOrderReq) (model.PlaceOrderResult, error) {
	cmd := &placeCmd{userID: userID, req: req, result: make(chan model.PlaceOrderResult, 1), err: make(chan error, 1)}
	if err := e.enqueue(ctx, cmd); err != nil {
		return model.PlaceOrderResult{}, err
	}
	select {
	case res := <-cmd.result:
		return res, nil
	case err := <-cmd.err:
		return model.PlaceOrderResult{}, err
	}
}

type cancelCmd struct {
	orderID, userID string
	done            chan error
}

func (c *cancelCmd) exec(e *MarketEngine) { c.done <- e.cancelOrder(c.orderID, c.userID) }
func (c *cancelCmd) fail(err error)       { c.done <- err }

func (e *MarketEngine) CancelOrder(ctx context.Context, orderID, userID string) error {
	cmd := &cancelCmd{orderID: orderID, userID: userID, done: make(chan error, 1)}
	if err := e.enqueue(ctx, cmd); err != nil {
		return err
	}
	return <-cmd.done
}

type resolveCmd struct {
	outcome model.Side
	adminID string
	done    chan error
}

func (c *resolveCmd) exec(e *MarketEngine) { c.done <- e.resolveMarket(c.outcome, c.adminID) }
func (c *resolveCmd) fail(err error)       { c.done <- err }

func (e *MarketEngine) ResolveMarket(ctx context.Context, outcome model.Side, adminID string) error {
	cmd := &resolveCmd{outcome: outcome, adminID: adminID, done: make(chan error, 1)}
	if err := e.enqueue(ctx, cmd); err != nil {
		return err
	}
	return <-cmd.done
}

type deleteCmd struct {
	adminID string
	done    chan error
}

func (c *deleteCmd) exec(e *MarketEngine) { c.done <- e.deleteMarket(c.adminID) }
func (c *deleteCmd) fail(err error)       { c.done <- err }

func (e *MarketEngine) DeleteMarket(ctx context.Context, adminID string) error {
	cmd := &deleteCmd{adminID: adminID, done: make(chan error, 1)}
	if err := e.enqueue(ctx, cmd); err != nil {
		return err
	}
	return <-cmd.done
}

type snapshotCmd struct {
	result chan model.BookSnapshot
}

func (c *snapshotCmd) exec(e *MarketEngine) { c.result <- e.book.FullSnapshot(20) }
func (c *snapshotCmd) fail(error)           { c.result <- model.BookSnapshot{} }

// Snapshot reads the current book through the same single-actor channel
// every mutation goes through, so a reader never observes a torn state.
func (e *MarketEngine) Snapshot(ctx context.Context) (model.BookSnapshot, error) {
	cmd := &snapshotCmd{result: make(chan model.BookSnapshot, 1)}
	if err := e.enqueue(ctx, cmd); err != nil {
		return model.BookSnapshot{}, err
	}
	return <-cmd.result, nil
}
