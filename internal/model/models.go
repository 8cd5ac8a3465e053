// Package model holds the domain entities shared by the ledger, the
// orderbook, the matching engine and the gateway. Nothing in here talks
// to a database or a socket.
package model

import "time"

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type MarketStatus string

const (
	MarketOpen     MarketStatus = "OPEN"
	MarketResolved MarketStatus = "RESOLVED"
	MarketDeleted  MarketStatus = "DELETED"
)

// Side is the outcome an order or position is about, not to be confused
// with Kind (buy/sell).
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Opposite returns the other binary outcome.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

type Kind string

const (
	KindBuy  Kind = "BUY"
	KindSell Kind = "SELL"
)

type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

type OrderStatus string

const (
	StatusOpen     OrderStatus = "OPEN"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
)

// TradeKind distinguishes a same-side match from a cross-side mint.
type TradeKind string

const (
	TradeMatch TradeKind = "MATCH"
	TradeMint  TradeKind = "MINT"
)

// Scope selects which balance pool an order's escrow and a position's
// payout settle against. GLOBAL is every user's default pool; any other
// value is an organization id.
type Scope string

const ScopeGlobal Scope = "GLOBAL"

// ── Domain Objects ───────────────────────────────────

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Balance is a user's token pool within one scope (global or an
// organization). LockedCents is escrow held against open BUY orders and
// does not include share reservations, which live on the Position row.
type Balance struct {
	UserID       string `json:"user_id"`
	Scope        Scope  `json:"scope"`
	BalanceCents int64  `json:"balance_cents"`
	LockedCents  int64  `json:"locked_cents"`
}

func (b Balance) Available() int64 { return b.BalanceCents - b.LockedCents }

type Market struct {
	ID            string       `json:"id"`
	Slug          string       `json:"slug"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Status        MarketStatus `json:"status"`
	Outcome       *Side        `json:"outcome"`
	Scope         Scope        `json:"scope"`
	TickSizeCents int          `json:"tick_size_cents"`
	VolumeCents   int64        `json:"volume_cents"`
	CreatedAt     time.Time    `json:"created_at"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
}

type Order struct {
	ID            string      `json:"id"`
	MarketID      string      `json:"market_id"`
	UserID        string      `json:"user_id"`
	Side          Side        `json:"side"`
	Kind          Kind        `json:"kind"`
	OrderType     OrderType   `json:"order_type"`
	PriceCents    *int        `json:"price_cents"`
	Qty           int         `json:"qty"`
	RemainingQty  int         `json:"remaining_qty"`
	LockedCents   int64       `json:"locked_cents"`
	LockedShares  int         `json:"locked_shares"`
	Status        OrderStatus `json:"status"`
	Seq           int64       `json:"seq"`
	ClientOrderID *string     `json:"client_order_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type Trade struct {
	ID           string    `json:"id"`
	MarketID     string    `json:"market_id"`
	Kind         TradeKind `json:"kind"`
	Side         Side      `json:"side"`
	PriceCents   int       `json:"price_cents"`
	Qty          int       `json:"qty"`
	BuyerID      string    `json:"buyer_user_id"`
	// SellerID is empty for MINT trades: no share moved hands, a pair
	// was created out of thin air and one leg of it went to BuyerID.
	SellerID     string    `json:"seller_user_id,omitempty"`
	MakerOrderID string    `json:"maker_order_id"`
	TakerOrderID string    `json:"taker_order_id"`
	FeeCents     int64     `json:"fee_cents"`
	Seq          int64     `json:"seq"`
	CreatedAt    time.Time `json:"created_at"`
}

type Position struct {
	MarketID        string `json:"market_id"`
	UserID          string `json:"user_id"`
	YesShares       int    `json:"yes_shares"`
	NoShares        int    `json:"no_shares"`
	AvgYesCostCents int64  `json:"avg_yes_cost_cents"`
	AvgNoCostCents  int64  `json:"avg_no_cost_cents"`
	// LockedYesShares / LockedNoShares are reserved against open SELL
	// orders on that side; shares available to a new SELL are
	// Shares - Locked.
	LockedYesShares int `json:"locked_yes_shares"`
	LockedNoShares  int `json:"locked_no_shares"`
}

func (p Position) Shares(side Side) int {
	if side == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

func (p Position) AvailableShares(side Side) int {
	if side == SideYes {
		return p.YesShares - p.LockedYesShares
	}
	return p.NoShares - p.LockedNoShares
}

type EventLog struct {
	ID          int64     `json:"id"`
	MarketID    *string   `json:"market_id,omitempty"`
	Seq         *int64    `json:"seq,omitempty"`
	Type        string    `json:"type"`
	PayloadJSON any       `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── API Types ────────────────────────────────────────

type PlaceOrderReq struct {
	Side          Side      `json:"side"`
	Kind          Kind      `json:"kind"`
	Type          OrderType `json:"type"`
	PriceCents    *int      `json:"price_cents"`
	Qty           int       `json:"qty"`
	TokenBudget   *int64    `json:"token_budget"`
	ClientOrderID *string   `json:"client_order_id"`
}

type PlaceOrderResult struct {
	OrderID       string      `json:"order_id"`
	Status        OrderStatus `json:"status"`
	Trades        []Trade     `json:"trades"`
	SharesFilled  int         `json:"shares_filled,omitempty"`
	TokensSpent   int64       `json:"tokens_spent,omitempty"`
	AvgPriceCents float64     `json:"avg_price_cents,omitempty"`
	RefundCents   int64       `json:"refund_cents,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

type BookLevel struct {
	Price int `json:"price"`
	Qty   int `json:"qty"`
}

type BookSnapshot struct {
	YesBids []BookLevel `json:"yes_bids"`
	YesAsks []BookLevel `json:"yes_asks"`
	NoBids  []BookLevel `json:"no_bids"`
	NoAsks  []BookLevel `json:"no_asks"`
	YesMid  float64     `json:"yes_mid"`
	NoMid   float64     `json:"no_mid"`
}

// PortfolioUpdate is the payload behind a PORTFOLIO_UPDATE event: the
// balance-and-position pair for one user right after a mutation that
// touched either. Position is nil when this mutation only moved cash
// (a reservation, a cancel refund) and never loaded the user's shares.
type PortfolioUpdate struct {
	MarketID string    `json:"market_id"`
	Balance  Balance   `json:"balance"`
	Position *Position `json:"position,omitempty"`
}

// ── Collateral ───────────────────────────────────────

// CalcLimitLock is the token escrow a LIMIT BUY requires. SELL orders
// lock shares, not tokens, and are reserved directly against Position by
// the engine.
func CalcLimitLock(kind Kind, priceCents, qty int) int64 {
	if kind != KindBuy {
		return 0
	}
	return int64(priceCents) * int64(qty)
}

// CalcTakerFee applies a basis-point fee to a MATCH fill. Mint trades are
// never fee'd: there is no maker to charge against.
func CalcTakerFee(priceCents, qty, feeBps int) int64 {
	return int64(priceCents) * int64(qty) * int64(feeBps) / 10000
}
