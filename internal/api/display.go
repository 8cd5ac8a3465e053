package api

import (
	"github.com/shopspring/decimal"

	"foretoken/internal/model"
)

// centsToDollars renders an integer cent amount as a fixed-point dollar
// string for API responses. Every matching and ledger computation stays
// in integer cents end to end; decimal.Decimal only ever appears here,
// at the boundary where a client wants "$0.60" instead of 60.
func centsToDollars(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// bookView adds dollar-denominated midpoints to a BookSnapshot without
// touching the matching-side float64 math the snapshot already carries.
type bookView struct {
	model.BookSnapshot
	YesMidDisplay string `json:"yes_mid_display"`
	NoMidDisplay  string `json:"no_mid_display"`
}

func newBookView(snap model.BookSnapshot) bookView {
	return bookView{
		BookSnapshot:  snap,
		YesMidDisplay: decimal.NewFromFloat(snap.YesMid).Shift(-2).StringFixed(2),
		NoMidDisplay:  decimal.NewFromFloat(snap.NoMid).Shift(-2).StringFixed(2),
	}
}

// positionView adds dollar-denominated average cost alongside the
// integer-cent fields a position is actually stored and computed in.
type positionView struct {
	model.Position
	AvgYesCostDisplay string `json:"avg_yes_cost_display"`
	AvgNoCostDisplay  string `json:"avg_no_cost_display"`
}

func newPositionView(p model.Position) positionView {
	return positionView{
		Position:          p,
		AvgYesCostDisplay: centsToDollars(p.AvgYesCostCents),
		AvgNoCostDisplay:  centsToDollars(p.AvgNoCostCents),
	}
}

func newPositionViews(positions []model.Position) []positionView {
	out := make([]positionView, len(positions))
	for i, p := range positions {
		out[i] = newPositionView(p)
	}
	return out
}
