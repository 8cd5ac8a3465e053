package ledger

import (
	"testing"

	"foretoken/internal/model"
)

// These exercise the pure accounting math (average cost, lock bookkeeping)
// without a database, mirroring the orderbook package's plain-function
// test style. The row-locking and persistence.Tx paths are covered
// end to end by internal/engine's scenario tests against the in-memory
// Persistence stand-in.

func TestApplyAcquisitionWeightedAverage(t *testing.T) {
	p := &model.Position{}

	applyAcquisition(p, model.SideYes, 10, 40)
	if p.YesShares != 10 || p.AvgYesCostCents != 40 {
		t.Fatalf("expected 10 shares @ 40, got %d @ %d", p.YesShares, p.AvgYesCostCents)
	}

	applyAcquisition(p, model.SideYes, 10, 60)
	if p.YesShares != 20 || p.AvgYesCostCents != 50 {
		t.Fatalf("expected 20 shares @ avg 50, got %d @ %d", p.YesShares, p.AvgYesCostCents)
	}
}

func TestApplyAcquisitionSidesIndependent(t *testing.T) {
	p := &model.Position{}
	applyAcquisition(p, model.SideYes, 5, 70)
	applyAcquisition(p, model.SideNo, 5, 20)

	if p.YesShares != 5 || p.AvgYesCostCents != 70 {
		t.Fatalf("yes side corrupted: %+v", p)
	}
	if p.NoShares != 5 || p.AvgNoCostCents != 20 {
		t.Fatalf("no side corrupted: %+v", p)
	}
}

func TestAddSharesAndLockedHelpers(t *testing.T) {
	p := &model.Position{YesShares: 10, NoShares: 4}

	addShares(p, model.SideYes, -3)
	addShares(p, model.SideNo, 2)
	if p.YesShares != 7 || p.NoShares != 6 {
		t.Fatalf("expected 7/6, got %d/%d", p.YesShares, p.NoShares)
	}

	addLocked(p, model.SideYes, 5)
	addLocked(p, model.SideNo, 1)
	if p.LockedYesShares != 5 || p.LockedNoShares != 1 {
		t.Fatalf("expected locked 5/1, got %d/%d", p.LockedYesShares, p.LockedNoShares)
	}
	if p.AvailableShares(model.SideYes) != 2 {
		t.Fatalf("expected 7-5=2 available yes, got %d", p.AvailableShares(model.SideYes))
	}
}

func TestBalanceAvailableExcludesLocked(t *testing.T) {
	b := model.Balance{BalanceCents: 1000, LockedCents: 400}
	if b.Available() != 600 {
		t.Fatalf("expected 600 available, got %d", b.Available())
	}
}

func TestTouchedUserScopesDedupByValue(t *testing.T) {
	tr := &Transaction{balances: map[UserScope]*model.Balance{}, positions: map[posKey]*model.Position{}}
	touched := []UserScope{
		{UserID: "zzz", Scope: model.ScopeGlobal},
		{UserID: "aaa", Scope: model.ScopeGlobal},
		{UserID: "aaa", Scope: model.ScopeGlobal},
	}
	dedup := make(map[UserScope]bool)
	var ordered []UserScope
	for _, us := range touched {
		if !dedup[us] {
			dedup[us] = true
			ordered = append(ordered, us)
		}
	}
	if len(ordered) != 2 {
		t.Fatalf("expected dedup to 2 entries, got %d", len(ordered))
	}
	_ = tr
}
