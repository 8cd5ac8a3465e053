package orderbook

import (
	"testing"

	"foretoken/internal/model"
)

func TestAddAndPeekBest(t *testing.T) {
	b := New()

	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", MarketSide: model.SideYes, Kind: model.KindBuy, PriceCents: 40, RemainingQty: 10, Seq: 1})
	b.Add(&OrderEntry{OrderID: "b2", UserID: "u1", MarketSide: model.SideYes, Kind: model.KindBuy, PriceCents: 45, RemainingQty: 5, Seq: 2})
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u2", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 55, RemainingQty: 10, Seq: 3})
	b.Add(&OrderEntry{OrderID: "a2", UserID: "u2", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 60, RemainingQty: 5, Seq: 4})

	if b.Size() != 4 {
		t.Fatalf("expected size 4, got %d", b.Size())
	}
	if bb := b.PeekBest(model.SideYes, model.KindBuy); bb == nil || *bb != 45 {
		t.Fatalf("expected best bid 45, got %v", bb)
	}
	if ba := b.PeekBest(model.SideYes, model.KindSell); ba == nil || *ba != 55 {
		t.Fatalf("expected best ask 55, got %v", ba)
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := New()

	b.Add(&OrderEntry{OrderID: "a1", UserID: "u2", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 50, RemainingQty: 3, Seq: 1})
	b.Add(&OrderEntry{OrderID: "a2", UserID: "u2", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 50, RemainingQty: 3, Seq: 2})

	price := 50
	matches := b.FindMatches(model.SideYes, model.KindBuy, &price, 4, "u1")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Entry.OrderID != "a1" || matches[0].FillQty != 3 {
		t.Fatalf("expected first fill a1/3, got %s/%d", matches[0].Entry.OrderID, matches[0].FillQty)
	}
	if matches[1].Entry.OrderID != "a2" || matches[1].FillQty != 1 {
		t.Fatalf("expected second fill a2/1, got %s/%d", matches[1].Entry.OrderID, matches[1].FillQty)
	}
}

func TestPartialFillAcrossLevels(t *testing.T) {
	b := New()

	b.Add(&OrderEntry{OrderID: "a1", UserID: "u2", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 50, RemainingQty: 2, Seq: 1})
	b.Add(&OrderEntry{OrderID: "a2", UserID: "u2", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 55, RemainingQty: 3, Seq: 2})
	b.Add(&OrderEntry{OrderID: "a3", UserID: "u2", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 60, RemainingQty: 5, Seq: 3})

	price := 60
	matches := b.FindMatches(model.SideYes, model.KindBuy, &price, 6, "u1")
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	total := 0
	for _, m := range matches {
		total += m.FillQty
	}
	if total != 6 {
		t.Fatalf("expected total fill 6, got %d", total)
	}
	if matches[2].FillQty != 1 {
		t.Fatalf("expected partial fill 1 at 60, got %d", matches[2].FillQty)
	}
}

func TestMarketOrderNoPrice(t *testing.T) {
	b := New()
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u2", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 50, RemainingQty: 10, Seq: 1})

	matches := b.FindMatches(model.SideYes, model.KindBuy, nil, 5, "u1")
	if len(matches) != 1 || matches[0].FillQty != 5 {
		t.Fatalf("expected 1 match for 5 qty, got %d matches", len(matches))
	}
}

func TestSelfTradePreventionSkips(t *testing.T) {
	b := New()
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u1", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 50, RemainingQty: 5, Seq: 1})
	b.Add(&OrderEntry{OrderID: "a2", UserID: "u2", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 55, RemainingQty: 5, Seq: 2})

	price := 99
	matches := b.FindMatches(model.SideYes, model.KindBuy, &price, 3, "u1")
	if len(matches) != 1 || matches[0].Entry.UserID != "u2" {
		t.Fatalf("expected 1 match with u2 (self skipped), got %+v", matches)
	}
}

func TestRemoveOrder(t *testing.T) {
	b := New()
	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", MarketSide: model.SideYes, Kind: model.KindBuy, PriceCents: 50, RemainingQty: 5, Seq: 1})
	b.Add(&OrderEntry{OrderID: "b2", UserID: "u1", MarketSide: model.SideYes, Kind: model.KindBuy, PriceCents: 50, RemainingQty: 3, Seq: 2})

	removed := b.Remove("b1")
	if removed == nil || removed.OrderID != "b1" {
		t.Fatal("expected to remove b1")
	}
	if b.Size() != 1 {
		t.Fatalf("expected size 1 after remove, got %d", b.Size())
	}
	if bb := b.PeekBest(model.SideYes, model.KindBuy); bb == nil || *bb != 50 {
		t.Fatal("best bid should still be 50")
	}
}

func TestRemoveLastAtLevel(t *testing.T) {
	b := New()
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u1", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 50, RemainingQty: 5, Seq: 1})
	b.Remove("a1")

	if b.PeekBest(model.SideYes, model.KindSell) != nil {
		t.Fatal("expected no best ask after removing only order")
	}
	if b.Size() != 0 {
		t.Fatal("expected empty book")
	}
}

func TestApplyFillPartialAndFull(t *testing.T) {
	b := New()
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u1", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 50, RemainingQty: 10, Seq: 1})

	if rem := b.ApplyFill("a1", 3); rem != 7 {
		t.Fatalf("expected remaining 7, got %d", rem)
	}
	if b.Size() != 1 {
		t.Fatal("order should still be in book")
	}
	if rem := b.ApplyFill("a1", 7); rem != 0 {
		t.Fatalf("expected remaining 0, got %d", rem)
	}
	if b.Size() != 0 {
		t.Fatal("order should be removed from book once fully filled")
	}
}

func TestSnapshotDepthAndOrdering(t *testing.T) {
	b := New()
	for i := 1; i <= 5; i++ {
		b.Add(&OrderEntry{OrderID: string(rune('A' + i)), UserID: "u1", MarketSide: model.SideYes, Kind: model.KindBuy, PriceCents: 40 + i, RemainingQty: 1, Seq: int64(i)})
	}
	for i := 1; i <= 5; i++ {
		b.Add(&OrderEntry{OrderID: string(rune('a' + i)), UserID: "u2", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 50 + i, RemainingQty: 1, Seq: int64(5 + i)})
	}

	bids := b.Snapshot(model.SideYes, model.KindBuy, 3)
	asks := b.Snapshot(model.SideYes, model.KindSell, 3)
	if len(bids) != 3 || bids[0].Price != 45 {
		t.Fatalf("expected top 3 bids starting at 45, got %+v", bids)
	}
	if len(asks) != 3 || asks[0].Price != 51 {
		t.Fatalf("expected top 3 asks starting at 51, got %+v", asks)
	}
}

func TestDuplicateAddIgnored(t *testing.T) {
	b := New()
	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", MarketSide: model.SideYes, Kind: model.KindBuy, PriceCents: 50, RemainingQty: 5, Seq: 1})
	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", MarketSide: model.SideYes, Kind: model.KindBuy, PriceCents: 50, RemainingQty: 5, Seq: 2})

	if b.Size() != 1 {
		t.Fatalf("expected size 1 (dup ignored), got %d", b.Size())
	}
}

func TestMidpointFallback(t *testing.T) {
	b := New()
	if mid := b.Midpoint(model.SideYes); mid != 50 {
		t.Fatalf("expected default midpoint 50, got %v", mid)
	}
	b.RecordTrade(model.SideYes, 63)
	if mid := b.Midpoint(model.SideYes); mid != 63 {
		t.Fatalf("expected last-trade fallback 63, got %v", mid)
	}
	b.Add(&OrderEntry{OrderID: "b1", MarketSide: model.SideYes, Kind: model.KindBuy, PriceCents: 40, RemainingQty: 1})
	b.Add(&OrderEntry{OrderID: "a1", MarketSide: model.SideYes, Kind: model.KindSell, PriceCents: 60, RemainingQty: 1})
	if mid := b.Midpoint(model.SideYes); mid != 50 {
		t.Fatalf("expected (40+60)/2=50, got %v", mid)
	}
}

func TestSidesAreIndependent(t *testing.T) {
	b := New()
	b.Add(&OrderEntry{OrderID: "y1", MarketSide: model.SideYes, Kind: model.KindBuy, PriceCents: 60, RemainingQty: 10})
	b.Add(&OrderEntry{OrderID: "n1", MarketSide: model.SideNo, Kind: model.KindBuy, PriceCents: 45, RemainingQty: 10})

	if bb := b.PeekBest(model.SideYes, model.KindBuy); bb == nil || *bb != 60 {
		t.Fatalf("expected yes best bid 60, got %v", bb)
	}
	if bb := b.PeekBest(model.SideNo, model.KindBuy); bb == nil || *bb != 45 {
		t.Fatalf("expected no best bid 45, got %v", bb)
	}
}
