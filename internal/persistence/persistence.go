// Package persistence is the capability boundary spec.md's design notes
// ask for: the matching engine and the ledger depend on Store/Tx and
// Clock abstractly, not on a concrete database handle. internal/store
// implements Store/Tx against Postgres for production; internal/engine's
// tests wire persistence/memory's in-process stand-in instead, so the
// six worked scenarios and the invariants they exercise run without a
// live database.
package persistence

import (
	"context"
	"time"

	"foretoken/internal/model"
)

// Store is the durable-storage capability a Manager boots markets from
// and opens transactions against. It never exposes a raw driver handle;
// every mutation goes through a Tx.
type Store interface {
	GetOpenMarkets(ctx context.Context) ([]model.Market, error)
	GetOpenOrders(ctx context.Context, marketID string) ([]model.Order, error)
	MaxSeq(ctx context.Context, marketID string) (int64, error)
	ListPositions(ctx context.Context, marketID string) ([]model.Position, error)
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is one atomic unit of work: every balance, position, order, trade,
// market and event-log mutation a single engine command produces.
// Nothing it touches is visible to another Tx until Commit, and nothing
// it touched persists if Rollback runs instead.
type Tx interface {
	GetBalanceForUpdate(userID string, scope model.Scope) (*model.Balance, error)
	BalanceAddLocked(userID string, scope model.Scope, delta int64) error
	BalanceAddAmount(userID string, scope model.Scope, delta int64) error

	GetPositionForUpdate(marketID, userID string) (*model.Position, error)
	SavePosition(p *model.Position) error

	InsertOrder(o *model.Order) error
	UpdateOrderFill(orderID string, remainingQty int, lockedCents int64, lockedShares int, status model.OrderStatus) error
	CancelOrderRow(orderID string) error

	InsertTrade(t *model.Trade) error

	AddPlatformFee(cents int64) error
	AddMarketVolume(marketID string, cents int64) error

	ZeroPositions(marketID string) error
	ResolveMarketTx(marketID string, outcome model.Side) error
	DeleteMarketTx(marketID string) error

	AppendEvent(marketID *string, seq *int64, evType string, payload any) error

	Commit() error
	Rollback() error
}

// Clock is the wall-clock capability, injected wherever a timestamp must
// be stamped outside of a database's own DEFAULT now(): the in-memory
// Store stands in for Postgres entirely, so it has no DEFAULT clause of
// its own and needs one injected. SystemClock is the production default;
// tests wire a fixed-time stand-in so CreatedAt assertions don't race
// the wall clock.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
