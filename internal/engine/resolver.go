package engine

import (
	"foretoken/internal/apperr"
	"foretoken/internal/eventbus"
	"foretoken/internal/ledger"
	"foretoken/internal/model"
	"foretoken/internal/orderbook"
)

// cancelOrder releases whatever a resting order had reserved — token
// escrow for a BUY, a share reservation for a SELL — and marks it
// canceled. Unlike resolveMarket/deleteMarket this only ever touches
// one user, so it needs no multi-user lock ordering.
func (e *MarketEngine) cancelOrder(orderID, userID string) error {
	entry := e.book.Get(orderID)
	if entry == nil {
		return apperr.Precondition(apperr.CodeNotFound, "order not found or already closed")
	}
	if entry.UserID != userID {
		return apperr.Precondition(apperr.CodeNotAuthorized, "not your order")
	}

	tx, err := e.ledger.Begin(e.bgCtx, ledger.UserScope{UserID: userID, Scope: e.scope})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.releaseOrderEscrow(tx, entry); err != nil {
		return err
	}
	if err := tx.Persistence().CancelOrderRow(orderID); err != nil {
		return apperr.Transient("cancel order row: %v", err)
	}
	seq := e.nextSeq()
	if err := tx.Persistence().AppendEvent(&e.marketID, &seq, "OrderCanceled", map[string]any{
		"order_id": orderID, "user_id": userID,
	}); err != nil {
		return apperr.Transient("append event: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.book.Remove(orderID)
	if e.bus != nil {
		e.bus.PublishMarket(e.marketID, eventbus.OrderbookUpdate, e.book.FullSnapshot(20))
	}
	e.publishPortfolios(tx, userID)
	return nil
}

func (e *MarketEngine) releaseOrderEscrow(tx *ledger.Transaction, entry *orderbook.OrderEntry) error {
	if entry.Kind == model.KindBuy {
		return tx.ReleaseTokens(entry.UserID, e.scope, entry.LockedCents)
	}
	return tx.ReleaseShares(entry.UserID, e.marketID, entry.MarketSide, entry.LockedShares)
}

// resolveMarket is §4.2.5's ResolveMarket: every open order is canceled
// and refunded, every winning share pays out 1 token, every remaining
// share position (winner and loser alike) is destroyed, and the market
// closes for good. A later resolve or delete fails MARKET_CLOSED; a later
// order comes back REJECTED with the reason "market is not open" and
// carries no error code, and a later cancel fails NOT_FOUND because the
// book is empty.
func (e *MarketEngine) resolveMarket(outcome model.Side, adminID string) error {
	if e.status != model.MarketOpen {
		return apperr.Precondition(apperr.CodeMarketClosed, "market already closed")
	}

	entries := e.book.AllEntries()
	positions, err := e.store.ListPositions(e.bgCtx, e.marketID)
	if err != nil {
		return apperr.Transient("list positions: %v", err)
	}

	touched, seen := []ledger.UserScope{}, map[string]bool{}
	add := func(uid string) {
		if !seen[uid] {
			seen[uid] = true
			touched = append(touched, ledger.UserScope{UserID: uid, Scope: e.scope})
		}
	}
	for _, en := range entries {
		add(en.UserID)
	}
	for _, p := range positions {
		add(p.UserID)
	}

	tx, err := e.ledger.Begin(e.bgCtx, touched...)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, en := range entries {
		if err := e.releaseOrderEscrow(tx, en); err != nil {
			return err
		}
		if err := tx.Persistence().CancelOrderRow(en.OrderID); err != nil {
			return apperr.Transient("cancel resting order: %v", err)
		}
	}

	settled := 0
	var totalPayout int64
	for _, p := range positions {
		shares := p.Shares(outcome)
		if shares <= 0 {
			continue
		}
		payout := int64(shares) * 100
		if err := tx.CreditTokens(p.UserID, e.scope, payout); err != nil {
			return err
		}
		totalPayout += payout
		settled++
	}
	if err := tx.Persistence().ZeroPositions(e.marketID); err != nil {
		return apperr.Transient("zero positions: %v", err)
	}
	if err := tx.Persistence().ResolveMarketTx(e.marketID, outcome); err != nil {
		return apperr.Transient("resolve market row: %v", err)
	}
	if err := tx.Persistence().AppendEvent(&e.marketID, nil, "MarketResolved", map[string]any{
		"outcome": outcome, "admin_id": adminID,
		"settled_positions": settled, "total_payout_cents": totalPayout,
	}); err != nil {
		return apperr.Transient("append event: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, en := range entries {
		e.book.Remove(en.OrderID)
	}
	e.status = model.MarketResolved
	e.log.Info().Str("outcome", string(outcome)).Int("settled", settled).Int64("payout_cents", totalPayout).Msg("market resolved")
	if e.bus != nil {
		e.bus.PublishMarket(e.marketID, eventbus.OrderbookUpdate, e.book.FullSnapshot(20))
	}
	e.publishZeroedPortfolios(tx, touched, positions)
	return nil
}

// publishZeroedPortfolios announces a PORTFOLIO_UPDATE for every touched
// user after resolveMarket/deleteMarket: both destroy every remaining
// position in the market via Persistence().ZeroPositions, which happens outside
// the ledger's own position cache, so the zeroed position has to be
// built by hand here rather than read back from the transaction.
func (e *MarketEngine) publishZeroedPortfolios(tx *ledger.Transaction, touched []ledger.UserScope, positions []model.Position) {
	if e.bus == nil {
		return
	}
	hadPosition := make(map[string]bool, len(positions))
	for _, p := range positions {
		hadPosition[p.UserID] = true
	}
	for _, us := range touched {
		update := model.PortfolioUpdate{MarketID: e.marketID, Balance: tx.Balance(us.UserID, e.scope)}
		if hadPosition[us.UserID] {
			zero := model.Position{MarketID: e.marketID, UserID: us.UserID}
			update.Position = &zero
		}
		e.bus.PublishUser(us.UserID, update)
	}
}

// deleteMarket is the admin escape hatch a resolution can't express: void
// the market entirely, refund every open order's escrow, and refund
// every position holder their own purchase cost (avg cost × shares, per
// side) rather than paying out a winner. The teacher's exchange has no
// equivalent operation — a market there is wound down only by
// resolving it.
func (e *MarketEngine) deleteMarket(adminID string) error {
	if e.status != model.MarketOpen {
		return apperr.Precondition(apperr.CodeMarketClosed, "market already closed")
	}

	entries := e.book.AllEntries()
	positions, err := e.store.ListPositions(e.bgCtx, e.marketID)
	if err != nil {
		return apperr.Transient("list positions: %v", err)
	}

	touched, seen := []ledger.UserScope{}, map[string]bool{}
	add := func(uid string) {
		if !seen[uid] {
			seen[uid] = true
			touched = append(touched, ledger.UserScope{UserID: uid, Scope: e.scope})
		}
	}
	for _, en := range entries {
		add(en.UserID)
	}
	for _, p := range positions {
		add(p.UserID)
	}

	tx, err := e.ledger.Begin(e.bgCtx, touched...)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, en := range entries {
		if err := e.releaseOrderEscrow(tx, en); err != nil {
			return err
		}
		if err := tx.Persistence().CancelOrderRow(en.OrderID); err != nil {
			return apperr.Transient("cancel resting order: %v", err)
		}
	}

	refunded := 0
	var totalRefund int64
	for _, p := range positions {
		refund := p.AvgYesCostCents*int64(p.YesShares) + p.AvgNoCostCents*int64(p.NoShares)
		if refund <= 0 {
			continue
		}
		if err := tx.CreditTokens(p.UserID, e.scope, refund); err != nil {
			return err
		}
		totalRefund += refund
		refunded++
	}
	if err := tx.Persistence().ZeroPositions(e.marketID); err != nil {
		return apperr.Transient("zero positions: %v", err)
	}
	if err := tx.Persistence().DeleteMarketTx(e.marketID); err != nil {
		return apperr.Transient("delete market row: %v", err)
	}
	if err := tx.Persistence().AppendEvent(&e.marketID, nil, "MarketDeleted", map[string]any{
		"admin_id": adminID, "refunded_positions": refunded, "total_refund_cents": totalRefund,
	}); err != nil {
		return apperr.Transient("append event: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, en := range entries {
		e.book.Remove(en.OrderID)
	}
	e.status = model.MarketDeleted
	e.log.Info().Int("refunded", refunded).Int64("refund_cents", totalRefund).Msg("market deleted")
	if e.bus != nil {
		e.bus.PublishMarket(e.marketID, eventbus.OrderbookUpdate, e.book.FullSnapshot(20))
	}
	e.publishZeroedPortfolios(tx, touched, positions)
	return nil
}
