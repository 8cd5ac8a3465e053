// Package orderbook is the in-memory, per-market limit order book. It
// owns resting order state exclusively: price levels, FIFO queues and
// price-time matching. It never touches a balance or a position — that
// is the ledger's job, driven by the matching engine.
package orderbook

import (
	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"

	"foretoken/internal/model"
)

// OrderEntry is a resting order in one side's book.
type OrderEntry struct {
	OrderID      string
	UserID       string
	MarketSide   model.Side // YES or NO
	Kind         model.Kind // BUY rests on bids, SELL rests on asks
	PriceCents   int
	RemainingQty int
	LockedCents  int64
	LockedShares int
	Seq          int64
}

// Level is a FIFO queue of resting orders at one price.
type Level struct {
	Price  int
	Orders []*OrderEntry
}

func (l *Level) TotalQty() int {
	t := 0
	for _, o := range l.Orders {
		t += o.RemainingQty
	}
	return t
}

func (l *Level) popFront() *OrderEntry {
	if len(l.Orders) == 0 {
		return nil
	}
	o := l.Orders[0]
	l.Orders = l.Orders[1:]
	return o
}

func (l *Level) removeByID(orderID string) *OrderEntry {
	for i, o := range l.Orders {
		if o.OrderID == orderID {
			l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
			return o
		}
	}
	return nil
}

// Match is a potential fill against a resting order, reported without
// mutating the book.
type Match struct {
	Entry     *OrderEntry
	FillQty   int
	FillPrice int
}

// side holds the two price-ordered trees for one outcome: bids (BUY,
// best = highest price) and asks (SELL, best = lowest price). Each is a
// red-black tree keyed by price so PeekBest, Add and Remove are all
// O(log levels) instead of the linear re-sort a plain slice index needs
// on every new price level.
type side struct {
	bids *rbt.Tree[int, *Level]
	asks *rbt.Tree[int, *Level]
}

func newSide() *side {
	desc := func(a, b int) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		default:
			return 0
		}
	}
	asc := func(a, b int) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	return &side{
		bids: rbt.NewWith[int, *Level](desc),
		asks: rbt.NewWith[int, *Level](asc),
	}
}

func (s *side) treeFor(kind model.Kind) *rbt.Tree[int, *Level] {
	if kind == model.KindBuy {
		return s.bids
	}
	return s.asks
}

// OrderBook is the full limit order book for one market: a YES book and
// a NO book, each with bids and asks.
type OrderBook struct {
	sides map[model.Side]*side
	index map[string]*OrderEntry
	// lastTrade is the last trade price per side, used as the midpoint
	// fallback when one side of the book is empty.
	lastTrade map[model.Side]int
}

func New() *OrderBook {
	return &OrderBook{
		sides:     map[model.Side]*side{model.SideYes: newSide(), model.SideNo: newSide()},
		index:     make(map[string]*OrderEntry),
		lastTrade: make(map[model.Side]int),
	}
}

func (b *OrderBook) Size() int { return len(b.index) }

// Get returns a resting order without mutating the book, or nil if it
// isn't resting (already filled, canceled, or never rested at all).
func (b *OrderBook) Get(orderID string) *OrderEntry { return b.index[orderID] }

// PeekBest returns the best resting price on (outcomeSide, kind), or nil
// if that book is empty.
func (b *OrderBook) PeekBest(outcomeSide model.Side, kind model.Kind) *int {
	tree := b.sides[outcomeSide].treeFor(kind)
	if tree.Empty() {
		return nil
	}
	node := tree.Left()
	p := node.Key
	return &p
}

// RecordTrade updates the last-trade fallback used by Midpoint.
func (b *OrderBook) RecordTrade(outcomeSide model.Side, priceCents int) {
	b.lastTrade[outcomeSide] = priceCents
}

// Midpoint is (bestBid+bestAsk)/2 for a side if both exist, else the
// last trade price on that side, else 50 (no history at all).
func (b *OrderBook) Midpoint(outcomeSide model.Side) float64 {
	bid := b.PeekBest(outcomeSide, model.KindBuy)
	ask := b.PeekBest(outcomeSide, model.KindSell)
	if bid != nil && ask != nil {
		return float64(*bid+*ask) / 2
	}
	if last, ok := b.lastTrade[outcomeSide]; ok {
		return float64(last)
	}
	return 50
}

// Add inserts a resting order. Duplicate order ids are ignored, mirroring
// the at-least-once safety the engine's command channel provides.
func (b *OrderBook) Add(e *OrderEntry) {
	if _, exists := b.index[e.OrderID]; exists {
		return
	}
	b.index[e.OrderID] = e
	tree := b.sides[e.MarketSide].treeFor(e.Kind)
	level, found := tree.Get(e.PriceCents)
	if !found {
		level = &Level{Price: e.PriceCents}
		tree.Put(e.PriceCents, level)
	}
	level.Orders = append(level.Orders, e)
}

// Remove cancels a resting order outright and returns it, or nil if it
// wasn't resting.
func (b *OrderBook) Remove(orderID string) *OrderEntry {
	e, ok := b.index[orderID]
	if !ok {
		return nil
	}
	delete(b.index, orderID)
	tree := b.sides[e.MarketSide].treeFor(e.Kind)
	level, found := tree.Get(e.PriceCents)
	if !found {
		return e
	}
	level.removeByID(orderID)
	if len(level.Orders) == 0 {
		tree.Remove(e.PriceCents)
	}
	return e
}

// ApplyFill reduces a resting order's remaining quantity, removing it
// from the book once fully filled. Returns the quantity still resting.
func (b *OrderBook) ApplyFill(orderID string, fillQty int) int {
	e, ok := b.index[orderID]
	if !ok {
		return 0
	}
	e.RemainingQty -= fillQty
	if e.RemainingQty <= 0 {
		b.Remove(orderID)
		return 0
	}
	return e.RemainingQty
}

// FindMatches walks the book for (outcomeSide, oppositeKind) from best
// price and reports, without mutating anything, how an incoming order of
// `kind` for `maxQty` at `priceCents` (nil = market order, any price)
// would fill against resting orders on the opposite kind of the same
// outcome side. excludeUserID implements self-trade prevention.
//
// A trade always settles at the seller's quoted price: for an incoming
// BUY that's the resting ask's own price (the maker's price); for an
// incoming limit SELL it's the seller's own price, even when it's
// crossing a resting bid quoted higher — the buyer side (whichever of
// maker or taker it is) gets refunded the difference. A market SELL
// carries no price of its own, so it falls back to the resting bid's
// price.
func (b *OrderBook) FindMatches(outcomeSide model.Side, kind model.Kind, priceCents *int, maxQty int, excludeUserID string) []Match {
	oppositeKind := model.KindSell
	if kind == model.KindSell {
		oppositeKind = model.KindBuy
	}
	tree := b.sides[outcomeSide].treeFor(oppositeKind)

	var matches []Match
	rem := maxQty
	it := tree.Iterator()
	for rem > 0 && it.Next() {
		levelPrice := it.Key()
		if priceCents != nil {
			if kind == model.KindBuy && levelPrice > *priceCents {
				break
			}
			if kind == model.KindSell && levelPrice < *priceCents {
				break
			}
		}
		fillPrice := levelPrice
		if kind == model.KindSell && priceCents != nil {
			fillPrice = *priceCents
		}
		level := it.Value()
		for _, entry := range level.Orders {
			if rem <= 0 {
				break
			}
			if entry.UserID == excludeUserID {
				continue
			}
			fq := entry.RemainingQty
			if fq > rem {
				fq = rem
			}
			matches = append(matches, Match{Entry: entry, FillQty: fq, FillPrice: fillPrice})
			rem -= fq
		}
	}
	return matches
}

// Snapshot returns the top `depth` aggregated levels for a (outcomeSide,
// kind) book, best price first.
func (b *OrderBook) Snapshot(outcomeSide model.Side, kind model.Kind, depth int) []model.BookLevel {
	tree := b.sides[outcomeSide].treeFor(kind)
	out := make([]model.BookLevel, 0, depth)
	it := tree.Iterator()
	for len(out) < depth && it.Next() {
		level := it.Value()
		out = append(out, model.BookLevel{Price: level.Price, Qty: level.TotalQty()})
	}
	return out
}

// AllEntries returns every resting order across both outcome sides, in
// no particular order. Used by resolution and deletion to drain the
// whole book in one pass.
func (b *OrderBook) AllEntries() []*OrderEntry {
	out := make([]*OrderEntry, 0, len(b.index))
	for _, e := range b.index {
		out = append(out, e)
	}
	return out
}

// FullSnapshot builds the combined YES/NO book + midpoint payload the
// event bus publishes after every mutating command.
func (b *OrderBook) FullSnapshot(depth int) model.BookSnapshot {
	return model.BookSnapshot{
		YesBids: b.Snapshot(model.SideYes, model.KindBuy, depth),
		YesAsks: b.Snapshot(model.SideYes, model.KindSell, depth),
		NoBids:  b.Snapshot(model.SideNo, model.KindBuy, depth),
		NoAsks:  b.Snapshot(model.SideNo, model.KindSell, depth),
		YesMid:  b.Midpoint(model.SideYes),
		NoMid:   b.Midpoint(model.SideNo),
	}
}
