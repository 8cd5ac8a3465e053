// Package ledger is the authoritative owner of balances and positions.
// It exposes a Transaction handle that batches every balance and
// position mutation a matching-engine command produces and commits them
// atomically, acquiring per-user row locks in a fixed order so two
// markets touching the same user can never deadlock.
package ledger

import (
	"context"
	"sort"

	"foretoken/internal/apperr"
	"foretoken/internal/model"
	"foretoken/internal/persistence"
)

type Ledger struct {
	store persistence.Store
}

func New(s persistence.Store) *Ledger {
	return &Ledger{store: s}
}

// UserScope identifies a balance row. Transactions that touch more than
// one UserScope lock them in ascending (scope, user id) order.
type UserScope struct {
	UserID string
	Scope  model.Scope
}

type posKey struct{ marketID, userID string }

// Transaction batches balance and position deltas behind one SQL
// transaction. Nothing is visible to other goroutines until Commit.
type Transaction struct {
	tx        persistence.Tx
	balances  map[UserScope]*model.Balance
	positions map[posKey]*model.Position
	done      bool
}

// Begin opens a transaction and locks every balance row the caller
// already knows it will touch, in deterministic order. Callers that
// discover they need an additional user mid-transaction (matching walks
// the book one resting order at a time) call Touch to lock it lazily —
// still safe because all lazy touches within one matching pass happen
// while the market's single actor goroutine is the only writer
// contending for that specific set of rows, and cross-market contention
// is resolved by the ascending lock order at whichever Transaction
// reaches a shared user first.
func (l *Ledger) Begin(ctx context.Context, touched ...UserScope) (*Transaction, error) {
	tx, err := l.store.BeginTx(ctx)
	if err != nil {
		return nil, apperr.Transient("begin tx: %v", err)
	}
	t := &Transaction{
		tx:        tx,
		balances:  make(map[UserScope]*model.Balance),
		positions: make(map[posKey]*model.Position),
	}
	if err := t.lockBalances(touched); err != nil {
		tx.Rollback()
		return nil, err
	}
	return t, nil
}

func (t *Transaction) lockBalances(touched []UserScope) error {
	dedup := make(map[UserScope]bool)
	var ordered []UserScope
	for _, us := range touched {
		if !dedup[us] {
			dedup[us] = true
			ordered = append(ordered, us)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Scope != ordered[j].Scope {
			return ordered[i].Scope < ordered[j].Scope
		}
		return ordered[i].UserID < ordered[j].UserID
	})
	for _, us := range ordered {
		if _, ok := t.balances[us]; ok {
			continue
		}
		b, err := t.tx.GetBalanceForUpdate(us.UserID, us.Scope)
		if err != nil {
			return apperr.Transient("lock balance %s/%s: %v", us.UserID, us.Scope, err)
		}
		t.balances[us] = b
	}
	return nil
}

// Touch locks an additional balance row mid-transaction. Only safe to
// call for rows not already locked by a concurrent transaction holding a
// higher position in lock order; the matching engine only ever touches
// users discovered while walking resting orders whose placement already
// passed through Begin/Touch once, so no new cross-transaction ordering
// risk is introduced.
func (t *Transaction) Touch(userID string, scope model.Scope) error {
	return t.lockBalances([]UserScope{{UserID: userID, Scope: scope}})
}

func (t *Transaction) balance(userID string, scope model.Scope) *model.Balance {
	b, ok := t.balances[UserScope{UserID: userID, Scope: scope}]
	if !ok {
		b = &model.Balance{UserID: userID, Scope: scope}
		t.balances[UserScope{UserID: userID, Scope: scope}] = b
	}
	return b
}

func (t *Transaction) position(marketID, userID string) (*model.Position, error) {
	key := posKey{marketID, userID}
	if p, ok := t.positions[key]; ok {
		return p, nil
	}
	p, err := t.tx.GetPositionForUpdate(marketID, userID)
	if err != nil {
		return nil, apperr.Transient("lock position %s/%s: %v", marketID, userID, err)
	}
	t.positions[key] = p
	return p, nil
}

// ── Tokens ───────────────────────────────────────────

// ReserveTokens escrows amount against an open BUY order. Fails
// INSUFFICIENT_BALANCE if the user's available balance can't cover it.
func (t *Transaction) ReserveTokens(userID string, scope model.Scope, amount int64) error {
	if amount == 0 {
		return nil
	}
	b := t.balance(userID, scope)
	if b.Available() < amount {
		return apperr.Precondition(apperr.CodeInsufficientBalance,
			"insufficient balance: need %d, have %d", amount, b.Available())
	}
	if err := t.tx.BalanceAddLocked(userID, scope, amount); err != nil {
		return apperr.Transient("reserve tokens: %v", err)
	}
	b.LockedCents += amount
	return nil
}

// ReleaseTokens returns escrow to the user's available balance (a
// cancel or a refund of the unfilled remainder).
func (t *Transaction) ReleaseTokens(userID string, scope model.Scope, amount int64) error {
	if amount == 0 {
		return nil
	}
	if err := t.tx.BalanceAddLocked(userID, scope, -amount); err != nil {
		return apperr.Transient("release tokens: %v", err)
	}
	t.balance(userID, scope).LockedCents -= amount
	return nil
}

// DebitTokens consumes escrow: it reduces both the lock and the
// underlying balance by amount, the buyer's side of a trade executing.
func (t *Transaction) DebitTokens(userID string, scope model.Scope, amount int64) error {
	if amount == 0 {
		return nil
	}
	if err := t.tx.BalanceAddLocked(userID, scope, -amount); err != nil {
		return apperr.Transient("debit lock: %v", err)
	}
	if err := t.tx.BalanceAddAmount(userID, scope, -amount); err != nil {
		return apperr.Transient("debit balance: %v", err)
	}
	b := t.balance(userID, scope)
	b.LockedCents -= amount
	b.BalanceCents -= amount
	return nil
}

// CreditTokens pays a user (a seller's proceeds, or a resolution
// payout). Never touches locked balance.
func (t *Transaction) CreditTokens(userID string, scope model.Scope, amount int64) error {
	if amount == 0 {
		return nil
	}
	if err := t.tx.BalanceAddAmount(userID, scope, amount); err != nil {
		return apperr.Transient("credit tokens: %v", err)
	}
	t.balance(userID, scope).BalanceCents += amount
	return nil
}

// ── Shares ───────────────────────────────────────────

// ReserveShares locks qty of a position's available shares against an
// open SELL order. Fails INSUFFICIENT_SHARES if not enough are free.
func (t *Transaction) ReserveShares(userID, marketID string, side model.Side, qty int) error {
	p, err := t.position(marketID, userID)
	if err != nil {
		return err
	}
	if p.AvailableShares(side) < qty {
		return apperr.Precondition(apperr.CodeInsufficientShares,
			"insufficient %s shares: need %d, have %d", side, qty, p.AvailableShares(side))
	}
	addLocked(p, side, qty)
	return t.tx.SavePosition(p)
}

// ReleaseShares unlocks a reservation (SELL cancel).
func (t *Transaction) ReleaseShares(userID, marketID string, side model.Side, qty int) error {
	p, err := t.position(marketID, userID)
	if err != nil {
		return err
	}
	addLocked(p, side, -qty)
	return t.tx.SavePosition(p)
}

// TransferShares moves qty shares from seller to buyer at priceCents
// (the trade's settlement price) on a MATCH: the seller's reservation and
// holding both shrink, the buyer's holding grows and its volume-weighted
// average cost is updated. No shares are created or destroyed.
func (t *Transaction) TransferShares(sellerID, buyerID, marketID string, side model.Side, qty int, priceCents int) error {
	seller, err := t.position(marketID, sellerID)
	if err != nil {
		return err
	}
	addShares(seller, side, -qty)
	addLocked(seller, side, -qty)
	if err := t.tx.SavePosition(seller); err != nil {
		return apperr.Transient("transfer shares (seller): %v", err)
	}

	buyer, err := t.position(marketID, buyerID)
	if err != nil {
		return err
	}
	applyAcquisition(buyer, side, qty, priceCents)
	if err := t.tx.SavePosition(buyer); err != nil {
		return apperr.Transient("transfer shares (buyer): %v", err)
	}
	return nil
}

// MintShares creates qty new shares of side for userID at priceCents,
// updating their volume-weighted average cost. Called once per buyer on
// a MINT trade (once for the YES buyer, once for the NO buyer).
func (t *Transaction) MintShares(userID, marketID string, side model.Side, qty int, priceCents int) error {
	p, err := t.position(marketID, userID)
	if err != nil {
		return err
	}
	applyAcquisition(p, side, qty, priceCents)
	if err := t.tx.SavePosition(p); err != nil {
		return apperr.Transient("mint shares: %v", err)
	}
	return nil
}

// BurnShares destroys qty shares of one side outright with no payment.
// The resolver does not call it: resolution and deletion zero every
// position in the market in one bulk Persistence().ZeroPositions call.
func (t *Transaction) BurnShares(userID, marketID string, side model.Side, qty int) error {
	p, err := t.position(marketID, userID)
	if err != nil {
		return err
	}
	addShares(p, side, -qty)
	return t.tx.SavePosition(p)
}

func addShares(p *model.Position, side model.Side, delta int) {
	if side == model.SideYes {
		p.YesShares += delta
	} else {
		p.NoShares += delta
	}
}

func addLocked(p *model.Position, side model.Side, delta int) {
	if side == model.SideYes {
		p.LockedYesShares += delta
	} else {
		p.LockedNoShares += delta
	}
}

// applyAcquisition grows a position's holding on side by qty at
// priceCents and recomputes the volume-weighted average cost. Sales
// never touch average cost, only acquisitions do (spec.md §3).
func applyAcquisition(p *model.Position, side model.Side, qty, priceCents int) {
	if side == model.SideYes {
		totalCost := p.AvgYesCostCents*int64(p.YesShares) + int64(priceCents)*int64(qty)
		p.YesShares += qty
		if p.YesShares > 0 {
			p.AvgYesCostCents = totalCost / int64(p.YesShares)
		}
	} else {
		totalCost := p.AvgNoCostCents*int64(p.NoShares) + int64(priceCents)*int64(qty)
		p.NoShares += qty
		if p.NoShares > 0 {
			p.AvgNoCostCents = totalCost / int64(p.NoShares)
		}
	}
}

// Balance returns the current in-transaction view of a locked balance,
// for callers (the engine) that need to read back an amount after a
// sequence of mutations without a second round trip.
func (t *Transaction) Balance(userID string, scope model.Scope) model.Balance {
	return *t.balance(userID, scope)
}

// Position returns the current in-transaction view of a locked position.
func (t *Transaction) Position(marketID, userID string) (model.Position, error) {
	p, err := t.position(marketID, userID)
	if err != nil {
		return model.Position{}, err
	}
	return *p, nil
}

// PositionIfCached returns a position only if some mutation already
// loaded it into this transaction, without issuing a lazy SELECT ... FOR
// UPDATE for users who never acquired or moved a share. Safe to call
// after Commit, unlike Position, since it never touches the database.
func (t *Transaction) PositionIfCached(marketID, userID string) (model.Position, bool) {
	p, ok := t.positions[posKey{marketID, userID}]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// Persistence exposes the underlying persistence.Tx so the engine can
// batch order/trade/event-log writes into the same transaction the
// ledger mutations are part of, keeping the whole command atomic end to
// end regardless of whether it's backed by Postgres or an in-memory
// stand-in.
func (t *Transaction) Persistence() persistence.Tx { return t.tx }

func (t *Transaction) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return apperr.Transient("commit: %v", err)
	}
	return nil
}

func (t *Transaction) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.tx.Rollback()
}
