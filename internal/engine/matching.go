package engine

import (
	"github.com/google/uuid"

	"foretoken/internal/apperr"
	"foretoken/internal/eventbus"
	"foretoken/internal/ledger"
	"foretoken/internal/model"
	"foretoken/internal/orderbook"
)

// fillPlan is one step of a non-mutating match/mint walk: fill qty
// shares against counter at price, either transferring existing shares
// (MATCH) or creating a new pair (MINT).
type fillPlan struct {
	Kind    model.TradeKind
	Counter *orderbook.OrderEntry
	Qty     int
	Price   int
}

// planBuyFills walks the same-side ask book and the opposite-side bid
// book together and, at every step, takes whichever source is cheaper
// for the incoming buyer — match before mint on a tie — per §4.2.2's
// tie-break rule. When useBudget is true this is a market order driven
// by a token budget instead of a fixed qty and price ceiling; mint cost
// per unit is then 100 minus the opposing bid (the price this buyer
// must contribute to complete the pair), with no price ceiling of its
// own on the match side.
func planBuyFills(book *orderbook.OrderBook, side model.Side, priceCents *int, qtyCap int, budgetCapCents int64, useBudget bool, feeBps int, excludeUserID string) (fills []fillPlan, filledQty int, spentCents int64) {
	const unbounded = 1 << 30
	matchCap := qtyCap
	matchPriceCeiling := priceCents
	if useBudget {
		matchCap = unbounded
		matchPriceCeiling = nil
	}
	matchCands := book.FindMatches(side, model.KindBuy, matchPriceCeiling, matchCap, excludeUserID)

	mintRaw := book.FindMatches(side.Opposite(), model.KindSell, nil, unbounded, excludeUserID)
	var mintCands []orderbook.Match
	if useBudget {
		mintCands = mintRaw
	} else {
		for _, m := range mintRaw {
			if m.FillPrice+*priceCents < 100 {
				break
			}
			mintCands = append(mintCands, m)
		}
	}

	matchRem := make([]int, len(matchCands))
	for i, m := range matchCands {
		matchRem[i] = m.FillQty
	}
	mintRem := make([]int, len(mintCands))
	for i, m := range mintCands {
		mintRem[i] = m.FillQty
	}

	mi, ni := 0, 0
	remainingQty := qtyCap
	remainingBudget := budgetCapCents

	for {
		if useBudget {
			if remainingBudget <= 0 {
				break
			}
		} else if remainingQty <= 0 {
			break
		}
		for mi < len(matchRem) && matchRem[mi] == 0 {
			mi++
		}
		for ni < len(mintRem) && mintRem[ni] == 0 {
			ni++
		}
		haveMatch := mi < len(matchRem)
		haveMint := ni < len(mintRem)
		if !haveMatch && !haveMint {
			break
		}

		matchUnitCost := 0
		if haveMatch {
			matchUnitCost = matchCands[mi].FillPrice
			if useBudget {
				matchUnitCost += matchCands[mi].FillPrice * feeBps / 10000
			}
		}
		mintUnitCost := 0
		if haveMint {
			mintUnitCost = 100 - mintCands[ni].FillPrice
		}

		useMint := haveMint && (!haveMatch || mintUnitCost < matchUnitCost)

		if useMint {
			qty := mintRem[ni]
			// incomingPrice is what this buyer pays per share: their own
			// limit price in LIMIT mode, or 100-bestBid(¬S) — the market
			// mint's break-even contribution — when driven by budget.
			incomingPrice := mintUnitCost
			if !useBudget {
				incomingPrice = *priceCents
			}
			if useBudget {
				if mintUnitCost <= 0 {
					break
				}
				if max := int(remainingBudget / int64(mintUnitCost)); qty > max {
					qty = max
				}
			} else if qty > remainingQty {
				qty = remainingQty
			}
			if qty <= 0 {
				break
			}
			fills = append(fills, fillPlan{Kind: model.TradeMint, Counter: mintCands[ni].Entry, Qty: qty, Price: incomingPrice})
			mintRem[ni] -= qty
			filledQty += qty
			if useBudget {
				cost := int64(mintUnitCost) * int64(qty)
				spentCents += cost
				remainingBudget -= cost
			} else {
				remainingQty -= qty
			}
		} else {
			p := matchCands[mi].FillPrice
			qty := matchRem[mi]
			if useBudget {
				if matchUnitCost <= 0 {
					break
				}
				if max := int(remainingBudget / int64(matchUnitCost)); qty > max {
					qty = max
				}
			} else if qty > remainingQty {
				qty = remainingQty
			}
			if qty <= 0 {
				break
			}
			fills = append(fills, fillPlan{Kind: model.TradeMatch, Counter: matchCands[mi].Entry, Qty: qty, Price: p})
			matchRem[mi] -= qty
			filledQty += qty
			if useBudget {
				cost := int64(matchUnitCost) * int64(qty)
				spentCents += cost
				remainingBudget -= cost
			} else {
				remainingQty -= qty
			}
		}
	}
	return fills, filledQty, spentCents
}

// planSellFills is the SELL side of matching: SELL orders only ever
// match an existing opposite bid, never mint, so this is a direct pass
// through the book's own candidate walk. A limit sell settles at its own
// quoted price (FindMatches already bakes that in); only a market sell
// (priceCents nil) settles at the resting bid's price.
func planSellFills(book *orderbook.OrderBook, side model.Side, priceCents *int, qtyCap int, excludeUserID string) (fills []fillPlan, filledQty int) {
	cands := book.FindMatches(side, model.KindSell, priceCents, qtyCap, excludeUserID)
	for _, m := range cands {
		fills = append(fills, fillPlan{Kind: model.TradeMatch, Counter: m.Entry, Qty: m.FillQty, Price: m.FillPrice})
		filledQty += m.FillQty
	}
	return fills, filledQty
}

func restingStatus(remainingQty int, orderType model.OrderType) model.OrderStatus {
	switch {
	case remainingQty <= 0:
		return model.StatusFilled
	case orderType == model.TypeLimit:
		return model.StatusPartial
	default:
		return model.StatusFilled
	}
}

// processOrder is the single entry point for both PlaceLimit and
// PlaceMarket: it validates, plans fills against the in-memory book
// (no I/O), then commits the whole outcome — order row, trades, ledger
// mutations, resting order updates — in one transaction. Either the
// entire Report lands or nothing does.
func (e *MarketEngine) processOrder(userID string, req model.PlaceOrderReq) model.PlaceOrderResult {
	reject := func(code apperr.Code, reason string) model.PlaceOrderResult {
		return model.PlaceOrderResult{Status: model.StatusRejected, Reason: reason}
	}

	if e.status != model.MarketOpen {
		return reject(apperr.CodeMarketClosed, "market is not open")
	}
	if req.Type == model.TypeLimit {
		if req.PriceCents == nil || *req.PriceCents < 1 || *req.PriceCents > 99 {
			return reject(apperr.CodeInvalidOrder, "price must be 1-99 cents")
		}
		if req.Qty < 1 {
			return reject(apperr.CodeInvalidOrder, "qty must be >= 1")
		}
	} else {
		if req.Kind == model.KindBuy {
			if req.TokenBudget == nil || *req.TokenBudget < 1 {
				return reject(apperr.CodeInvalidOrder, "token_budget must be >= 1")
			}
		} else if req.Qty < 1 {
			return reject(apperr.CodeInvalidOrder, "qty must be >= 1")
		}
	}

	var fills []fillPlan
	filledQty := 0
	spentBudget := int64(0)

	switch {
	case req.Kind == model.KindBuy && req.Type == model.TypeLimit:
		fills, filledQty, _ = planBuyFills(e.book, req.Side, req.PriceCents, req.Qty, 0, false, e.feeBps, userID)
	case req.Kind == model.KindBuy && req.Type == model.TypeMarket:
		fills, filledQty, spentBudget = planBuyFills(e.book, req.Side, nil, 0, *req.TokenBudget, true, e.feeBps, userID)
	case req.Kind == model.KindSell && req.Type == model.TypeLimit:
		fills, filledQty = planSellFills(e.book, req.Side, req.PriceCents, req.Qty, userID)
	default: // SELL market
		fills, filledQty = planSellFills(e.book, req.Side, nil, req.Qty, userID)
	}

	if req.Type == model.TypeMarket && filledQty == 0 {
		return model.PlaceOrderResult{Status: model.StatusCanceled, Reason: "no liquidity"}
	}

	orderID := uuid.New().String()
	seq := e.nextSeq()

	remainingQty := 0
	if req.Type == model.TypeLimit {
		remainingQty = req.Qty - filledQty
	}
	status := restingStatus(remainingQty, req.Type)
	if req.Type == model.TypeLimit && filledQty == 0 {
		status = model.StatusOpen
	}
	if req.Type == model.TypeMarket {
		remainingQty = 0
	}

	var lockCentsReserve, restingLockCents int64
	var feeReserve int64
	if req.Kind == model.KindBuy {
		if req.Type == model.TypeLimit {
			lockCentsReserve = model.CalcLimitLock(model.KindBuy, *req.PriceCents, req.Qty)
			feeReserve = model.CalcTakerFee(*req.PriceCents, req.Qty, e.feeBps) + 1
			if remainingQty > 0 {
				restingLockCents = model.CalcLimitLock(model.KindBuy, *req.PriceCents, remainingQty)
			}
		} else {
			lockCentsReserve = spentBudget
			feeReserve = 1
		}
	}

	touched := []ledger.UserScope{{UserID: userID, Scope: e.scope}}
	seen := map[string]bool{userID: true}
	for _, f := range fills {
		if !seen[f.Counter.UserID] {
			seen[f.Counter.UserID] = true
			touched = append(touched, ledger.UserScope{UserID: f.Counter.UserID, Scope: e.scope})
		}
	}

	tx, err := e.ledger.Begin(e.bgCtx, touched...)
	if err != nil {
		e.log.Error().Err(err).Msg("begin transaction failed")
		return reject(apperr.CodeServiceUnavailable, "internal error")
	}
	defer tx.Rollback()

	if req.Kind == model.KindBuy {
		if err := tx.ReserveTokens(userID, e.scope, lockCentsReserve+feeReserve); err != nil {
			return reject(apperr.CodeInsufficientBalance, err.Error())
		}
	} else {
		if err := tx.ReserveShares(userID, e.marketID, req.Side, req.Qty); err != nil {
			return reject(apperr.CodeInsufficientShares, err.Error())
		}
	}

	order := &model.Order{
		ID: orderID, MarketID: e.marketID, UserID: userID,
		Side: req.Side, Kind: req.Kind, OrderType: req.Type,
		PriceCents: req.PriceCents, Qty: req.Qty, RemainingQty: remainingQty,
		LockedCents: restingLockCents, Status: status, Seq: seq,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Kind == model.KindSell && remainingQty > 0 {
		order.LockedShares = remainingQty
	}
	if err := tx.Persistence().InsertOrder(order); err != nil {
		e.log.Error().Err(err).Msg("insert order failed")
		return reject(apperr.CodeServiceUnavailable, "internal error")
	}
	tx.Persistence().AppendEvent(&e.marketID, &seq, "OrderAccepted", map[string]any{
		"order_id": orderID, "side": req.Side, "kind": req.Kind, "type": req.Type,
		"price_cents": req.PriceCents, "qty": req.Qty, "user_id": userID,
	})

	var trades []model.Trade
	var totalFeesCharged int64
	for _, f := range fills {
		e.book.ApplyFill(f.Counter.OrderID, f.Qty)
		var trade *model.Trade
		var err error
		if f.Kind == model.TradeMatch {
			trade, err = e.applyMatch(tx, userID, req.Kind, req.Side, orderID, req.PriceCents, f, e.nextSeq())
			if err == nil && req.Kind == model.KindBuy {
				totalFeesCharged += model.CalcTakerFee(f.Price, f.Qty, e.feeBps)
			}
		} else {
			trade, err = e.applyMint(tx, userID, req.Side, f.Price, f.Counter, f.Qty, orderID, e.nextSeq())
		}
		if err != nil {
			e.log.Error().Err(err).Msg("apply fill failed")
			return reject(apperr.CodeServiceUnavailable, err.Error())
		}
		if err := tx.Persistence().InsertTrade(trade); err != nil {
			e.log.Error().Err(err).Msg("insert trade failed")
			return reject(apperr.CodeServiceUnavailable, "internal error")
		}
		tx.Persistence().AppendEvent(&e.marketID, &trade.Seq, "TradeExecuted", trade)
		trades = append(trades, *trade)
		e.book.RecordTrade(trade.Side, trade.PriceCents)
		e.book.RecordTrade(trade.Side.Opposite(), 100-trade.PriceCents)
	}

	// Every per-fill refund (price improvement on MATCH, surplus split on
	// MINT) was already released against the reservation above; the only
	// thing left over here is unused fee headroom.
	if req.Kind == model.KindBuy {
		if leftover := feeReserve - totalFeesCharged; leftover > 0 {
			if err := tx.ReleaseTokens(userID, e.scope, leftover); err != nil {
				e.log.Error().Err(err).Msg("release leftover fee headroom failed")
			}
		}
	}

	if req.Kind == model.KindSell {
		unusedQty := req.Qty - filledQty
		if req.Type == model.TypeMarket && unusedQty > 0 {
			if err := tx.ReleaseShares(userID, e.marketID, req.Side, unusedQty); err != nil {
				e.log.Error().Err(err).Msg("release unused share reservation failed")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		e.log.Error().Err(err).Msg("commit failed")
		return reject(apperr.CodeServiceUnavailable, "commit failed")
	}

	if (status == model.StatusOpen || status == model.StatusPartial) && remainingQty > 0 {
		entry := &orderbook.OrderEntry{
			OrderID: orderID, UserID: userID, MarketSide: req.Side, Kind: req.Kind,
			PriceCents: *req.PriceCents, RemainingQty: remainingQty, Seq: seq,
		}
		if req.Kind == model.KindBuy {
			entry.LockedCents = restingLockCents
		} else {
			entry.LockedShares = remainingQty
		}
		e.book.Add(entry)
	}

	e.publishBookAndTrades(trades)
	portfolioUserIDs := make([]string, len(touched))
	for i, us := range touched {
		portfolioUserIDs[i] = us.UserID
	}
	e.publishPortfolios(tx, portfolioUserIDs...)

	result := model.PlaceOrderResult{OrderID: orderID, Status: status, Trades: trades, SharesFilled: filledQty}
	if req.Type == model.TypeMarket {
		result.TokensSpent = spentBudget
		if req.Kind == model.KindSell {
			result.TokensSpent = 0
		}
		if filledQty > 0 {
			var total int64
			for _, t := range trades {
				total += int64(t.PriceCents) * int64(t.Qty)
			}
			result.AvgPriceCents = float64(total) / float64(filledQty)
		}
	}
	return result
}

// applyMatch settles one MATCH fill: shares move from maker to taker (or
// vice versa). The trade always settles at the seller's price (f.Price —
// see FindMatches), so whichever side holds the buy order, maker or
// taker, is refunded the difference between what it had escrowed at its
// own limit and what the trade actually cost. The taker additionally
// pays/receives the taker fee.
func (e *MarketEngine) applyMatch(tx *ledger.Transaction, takerUserID string, takerKind model.Kind, side model.Side, takerOrderID string, takerLimitPrice *int, f fillPlan, seq int64) (*model.Trade, error) {
	counter := f.Counter
	qty, price := f.Qty, f.Price
	notional := int64(price) * int64(qty)

	var buyerID, sellerID string
	if takerKind == model.KindBuy {
		buyerID, sellerID = takerUserID, counter.UserID
	} else {
		buyerID, sellerID = counter.UserID, takerUserID
	}
	if err := tx.TransferShares(sellerID, buyerID, e.marketID, side, qty, price); err != nil {
		return nil, err
	}

	// A buy-side maker may have escrowed more than this fill costs when
	// the trade settles at the incoming seller's lower quoted price;
	// release the difference before debiting the rest. A sell-side
	// maker has no cash escrow to reconcile, only shares.
	if counter.Kind == model.KindBuy {
		lockedForQty := int64(counter.PriceCents) * int64(qty)
		if surplus := lockedForQty - notional; surplus > 0 {
			if err := tx.ReleaseTokens(counter.UserID, e.scope, surplus); err != nil {
				return nil, err
			}
		}
		if err := tx.DebitTokens(counter.UserID, e.scope, notional); err != nil {
			return nil, err
		}
		counter.LockedCents -= lockedForQty
	} else {
		if err := tx.CreditTokens(counter.UserID, e.scope, notional); err != nil {
			return nil, err
		}
		counter.LockedShares -= qty
	}

	fee := model.CalcTakerFee(price, qty, e.feeBps)
	if takerKind == model.KindBuy {
		refund := int64(0)
		if takerLimitPrice != nil {
			refund = int64(*takerLimitPrice-price) * int64(qty)
		}
		if refund > 0 {
			if err := tx.ReleaseTokens(takerUserID, e.scope, refund); err != nil {
				return nil, err
			}
		}
		if err := tx.DebitTokens(takerUserID, e.scope, notional+fee); err != nil {
			return nil, err
		}
	} else {
		if err := tx.CreditTokens(takerUserID, e.scope, notional-fee); err != nil {
			return nil, err
		}
	}

	if fee > 0 {
		if err := tx.Persistence().AddPlatformFee(fee); err != nil {
			return nil, err
		}
	}
	if err := tx.Persistence().AddMarketVolume(e.marketID, notional); err != nil {
		return nil, err
	}

	makerStatus := model.StatusPartial
	if counter.RemainingQty == 0 {
		makerStatus = model.StatusFilled
	}
	if err := tx.Persistence().UpdateOrderFill(counter.OrderID, counter.RemainingQty, counter.LockedCents, counter.LockedShares, makerStatus); err != nil {
		return nil, err
	}

	trade := &model.Trade{
		ID: uuid.New().String(), MarketID: e.marketID, Kind: model.TradeMatch, Side: side,
		PriceCents: price, Qty: qty, BuyerID: buyerID, SellerID: sellerID,
		MakerOrderID: counter.OrderID, TakerOrderID: takerOrderID, FeeCents: fee, Seq: seq,
	}
	return trade, nil
}

// applyMint settles one MINT fill between the incoming buyer (at price
// p on side) and a resting opposite-side bid (at price q). Any surplus
// p+q-100 is split as evenly as integer cents allow, rounding the odd
// cent toward the incoming buyer.
func (e *MarketEngine) applyMint(tx *ledger.Transaction, incomingUserID string, side model.Side, p int, counter *orderbook.OrderEntry, qty int, takerOrderID string, seq int64) (*model.Trade, error) {
	q := counter.PriceCents
	surplus := p + q - 100
	if surplus < 0 {
		surplus = 0
	}
	oppRefund := surplus / 2
	buyerRefund := surplus - oppRefund

	if buyerRefund > 0 {
		if err := tx.ReleaseTokens(incomingUserID, e.scope, int64(buyerRefund)*int64(qty)); err != nil {
			return nil, err
		}
	}
	if err := tx.DebitTokens(incomingUserID, e.scope, int64(p-buyerRefund)*int64(qty)); err != nil {
		return nil, err
	}
	if oppRefund > 0 {
		if err := tx.ReleaseTokens(counter.UserID, e.scope, int64(oppRefund)*int64(qty)); err != nil {
			return nil, err
		}
	}
	if err := tx.DebitTokens(counter.UserID, e.scope, int64(q-oppRefund)*int64(qty)); err != nil {
		return nil, err
	}

	if err := tx.MintShares(incomingUserID, e.marketID, side, qty, p); err != nil {
		return nil, err
	}
	if err := tx.MintShares(counter.UserID, e.marketID, side.Opposite(), qty, q); err != nil {
		return nil, err
	}
	if err := tx.Persistence().AddMarketVolume(e.marketID, 100*int64(qty)); err != nil {
		return nil, err
	}

	counter.LockedCents -= int64(q) * int64(qty)
	makerStatus := model.StatusPartial
	if counter.RemainingQty == 0 {
		makerStatus = model.StatusFilled
	}
	if err := tx.Persistence().UpdateOrderFill(counter.OrderID, counter.RemainingQty, counter.LockedCents, 0, makerStatus); err != nil {
		return nil, err
	}

	yesPrice, yesUser := p, incomingUserID
	if side == model.SideNo {
		yesPrice, yesUser = q, counter.UserID
	}
	trade := &model.Trade{
		ID: uuid.New().String(), MarketID: e.marketID, Kind: model.TradeMint, Side: model.SideYes,
		PriceCents: yesPrice, Qty: qty, BuyerID: yesUser,
		MakerOrderID: counter.OrderID, TakerOrderID: takerOrderID, Seq: seq,
	}
	return trade, nil
}

func (e *MarketEngine) publishBookAndTrades(trades []model.Trade) {
	if e.bus == nil {
		return
	}
	e.bus.PublishMarket(e.marketID, eventbus.OrderbookUpdate, e.book.FullSnapshot(20))
	for _, t := range trades {
		e.bus.PublishMarket(e.marketID, eventbus.TradeExecuted, t)
	}
}

// publishPortfolios fires a PORTFOLIO_UPDATE for every user whose
// balance or position this transaction touched, read back from the
// transaction's own cache so it reflects the state that was just
// committed. Must be called after a successful Commit, never before —
// a rolled-back mutation never happened and has nothing to announce.
func (e *MarketEngine) publishPortfolios(tx *ledger.Transaction, userIDs ...string) {
	if e.bus == nil {
		return
	}
	seen := make(map[string]bool, len(userIDs))
	for _, uid := range userIDs {
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true
		update := model.PortfolioUpdate{MarketID: e.marketID, Balance: tx.Balance(uid, e.scope)}
		if pos, ok := tx.PositionIfCached(e.marketID, uid); ok {
			update.Position = &pos
		}
		e.bus.PublishUser(uid, update)
	}
}
