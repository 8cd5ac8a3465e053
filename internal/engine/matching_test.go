package engine

import (
	"testing"

	"foretoken/internal/model"
	"foretoken/internal/orderbook"
)

func price(p int) *int { return &p }

func TestPlanBuyFillsPrefersMintWhenCheaper(t *testing.T) {
	b := orderbook.New()
	// Same-side ask at 70 costs 70/unit to match. Opposite bid at 40
	// costs 100-40=60/unit to mint. Mint should win.
	b.Add(&orderbook.OrderEntry{OrderID: "ask1", UserID: "seller", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 70, RemainingQty: 10, Seq: 1})
	b.Add(&orderbook.OrderEntry{OrderID: "bid1", UserID: "opposite", MarketSide: model.SideNo, Kind: model.KindBuy, PriceCents: 40, RemainingQty: 10, Seq: 2})

	fills, filled, _ := planBuyFills(b, model.SideYes, price(70), 10, 0, false, 100, "buyer")
	if filled != 10 {
		t.Fatalf("expected full fill of 10, got %d", filled)
	}
	if len(fills) != 1 || fills[0].Kind != model.TradeMint {
		t.Fatalf("expected single mint fill, got %+v", fills)
	}
	if fills[0].Price != 70 {
		t.Fatalf("expected mint fill priced at incoming limit 70, got %d", fills[0].Price)
	}
}

func TestPlanBuyFillsPrefersMatchOnTie(t *testing.T) {
	b := orderbook.New()
	// Ask at 60 costs 60/unit to match. Opposite bid at 40 also costs
	// 100-40=60/unit to mint. Tied: match wins per the tie-break rule.
	b.Add(&orderbook.OrderEntry{OrderID: "ask1", UserID: "seller", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 60, RemainingQty: 5, Seq: 1})
	b.Add(&orderbook.OrderEntry{OrderID: "bid1", UserID: "opposite", MarketSide: model.SideNo, Kind: model.KindBuy, PriceCents: 40, RemainingQty: 5, Seq: 2})

	fills, filled, _ := planBuyFills(b, model.SideYes, price(60), 5, 0, false, 100, "buyer")
	if filled != 5 {
		t.Fatalf("expected full fill of 5, got %d", filled)
	}
	if len(fills) != 1 || fills[0].Kind != model.TradeMatch {
		t.Fatalf("expected a single match fill on tie, got %+v", fills)
	}
}

func TestPlanBuyFillsMintRequiresPriceSumAtLeastHundred(t *testing.T) {
	b := orderbook.New()
	// Opposite bid at 30: 30+p must be >=100, so p must be >= 70. A
	// limit buy at 60 can't reach it and should see no mint candidate.
	b.Add(&orderbook.OrderEntry{OrderID: "bid1", UserID: "opposite", MarketSide: model.SideNo, Kind: model.KindBuy, PriceCents: 30, RemainingQty: 5, Seq: 1})

	fills, filled, _ := planBuyFills(b, model.SideYes, price(60), 5, 0, false, 100, "buyer")
	if filled != 0 || len(fills) != 0 {
		t.Fatalf("expected no fills when mint threshold unreachable, got %+v (filled=%d)", fills, filled)
	}
}

func TestPlanBuyFillsSpreadsAcrossMatchAndMint(t *testing.T) {
	b := orderbook.New()
	b.Add(&orderbook.OrderEntry{OrderID: "ask1", UserID: "seller", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 55, RemainingQty: 4, Seq: 1})
	b.Add(&orderbook.OrderEntry{OrderID: "bid1", UserID: "opposite", MarketSide: model.SideNo, Kind: model.KindBuy, PriceCents: 50, RemainingQty: 4, Seq: 2})

	fills, filled, _ := planBuyFills(b, model.SideYes, price(60), 8, 0, false, 100, "buyer")
	if filled != 8 {
		t.Fatalf("expected both sources exhausted for 8 total, got %d", filled)
	}
	var matchQty, mintQty int
	for _, f := range fills {
		if f.Kind == model.TradeMatch {
			matchQty += f.Qty
		} else {
			mintQty += f.Qty
		}
	}
	if matchQty != 4 || mintQty != 4 {
		t.Fatalf("expected 4 matched + 4 minted, got match=%d mint=%d", matchQty, mintQty)
	}
}

func TestPlanBuyFillsMarketOrderWalksCheaperSourceUntilBudgetExhausted(t *testing.T) {
	b := orderbook.New()
	b.Add(&orderbook.OrderEntry{OrderID: "ask1", UserID: "seller", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 80, RemainingQty: 100, Seq: 1})
	b.Add(&orderbook.OrderEntry{OrderID: "bid1", UserID: "opposite", MarketSide: model.SideNo, Kind: model.KindBuy, PriceCents: 50, RemainingQty: 100, Seq: 2})

	// Mint costs 100-50=50/unit, match costs 80/unit (plus 0 fee here):
	// mint should be exhausted first.
	fills, filled, spent := planBuyFills(b, model.SideYes, nil, 0, 500, true, 0, "buyer")
	if filled != 10 {
		t.Fatalf("expected 10 units filled from mint at 50/unit within a 500 budget, got %d (spent %d)", filled, spent)
	}
	if len(fills) != 1 || fills[0].Kind != model.TradeMint || fills[0].Qty != 10 {
		t.Fatalf("expected single mint fill of 10, got %+v", fills)
	}
	if spent != 500 {
		t.Fatalf("expected entire budget spent, got %d", spent)
	}
}

func TestPlanSellFillsWalksBestBidFirstButSettlesAtOwnPrice(t *testing.T) {
	b := orderbook.New()
	b.Add(&orderbook.OrderEntry{OrderID: "bid1", UserID: "buyer", MarketSide: model.SideYes, Kind: model.KindBuy, PriceCents: 55, RemainingQty: 3, Seq: 1})
	b.Add(&orderbook.OrderEntry{OrderID: "bid2", UserID: "buyer", MarketSide: model.SideYes, Kind: model.KindBuy, PriceCents: 50, RemainingQty: 3, Seq: 2})

	fills, filled := planSellFills(b, model.SideYes, price(50), 4, "seller")
	if filled != 4 {
		t.Fatalf("expected 4 filled across both bids, got %d", filled)
	}
	// A limit sell always settles at its own quoted price, even against
	// a resting bid quoted higher — the bid's owner gets refunded the
	// difference in applyMatch, not the seller paid more.
	if len(fills) != 2 || fills[0].Price != 50 || fills[1].Price != 50 {
		t.Fatalf("expected both fills priced at the seller's own limit of 50, got %+v", fills)
	}
	if fills[0].Counter.OrderID != "bid1" || fills[1].Counter.OrderID != "bid2" {
		t.Fatalf("expected best-bid-first walk order, got %+v", fills)
	}
}

func TestPlanSellFillsMarketOrderSettlesAtRestingBidPrice(t *testing.T) {
	b := orderbook.New()
	b.Add(&orderbook.OrderEntry{OrderID: "bid1", UserID: "buyer", MarketSide: model.SideYes, Kind: model.KindBuy, PriceCents: 55, RemainingQty: 3, Seq: 1})

	// A market sell carries no price of its own, so it has nothing to
	// refund the buyer against: it settles at the resting bid's price.
	fills, filled := planSellFills(b, model.SideYes, nil, 3, "seller")
	if filled != 3 {
		t.Fatalf("expected 3 filled, got %d", filled)
	}
	if len(fills) != 1 || fills[0].Price != 55 {
		t.Fatalf("expected market sell to settle at the resting bid price 55, got %+v", fills)
	}
}

// TestScenarioRestingBuyVsIncomingLimitSell is the spec's worked example:
// A places YES BUY 5 @ 70 (rests); C places YES SELL 5 @ 60. The trade
// settles at 60 (the seller's own price): A is owed a 50-cent refund on
// its escrow, C is credited exactly 300.
func TestScenarioRestingBuyVsIncomingLimitSell(t *testing.T) {
	b := orderbook.New()
	b.Add(&orderbook.OrderEntry{OrderID: "a-buy", UserID: "A", MarketSide: model.SideYes, Kind: model.KindBuy, PriceCents: 70, RemainingQty: 5, Seq: 1})

	fills, filled := planSellFills(b, model.SideYes, price(60), 5, "C")
	if filled != 5 {
		t.Fatalf("expected full fill of 5, got %d", filled)
	}
	if len(fills) != 1 || fills[0].Price != 60 || fills[0].Qty != 5 {
		t.Fatalf("expected a single fill of 5 at 60, got %+v", fills)
	}

	notional := int64(fills[0].Price) * int64(fills[0].Qty)
	if notional != 300 {
		t.Fatalf("expected C credited 300, got %d", notional)
	}
	lockedForQty := int64(fills[0].Counter.PriceCents) * int64(fills[0].Qty)
	if refund := lockedForQty - notional; refund != 50 {
		t.Fatalf("expected A refunded 50, got %d", refund)
	}
}

func TestRestingStatus(t *testing.T) {
	if s := restingStatus(0, model.TypeLimit); s != model.StatusFilled {
		t.Fatalf("expected FILLED at zero remaining, got %s", s)
	}
	if s := restingStatus(5, model.TypeLimit); s != model.StatusPartial {
		t.Fatalf("expected PARTIAL for a limit order with remainder, got %s", s)
	}
	if s := restingStatus(5, model.TypeMarket); s != model.StatusFilled {
		t.Fatalf("expected FILLED for a market order regardless of remainder, got %s", s)
	}
}
