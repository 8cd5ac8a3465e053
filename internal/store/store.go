// Package store is the Postgres-backed persistence the matching engine
// depends on abstractly: load/save of users, balances, positions,
// markets, orders, trades and the event log. Nothing in here knows
// about matching, minting or escrow rules — it is a narrow row-level
// capability the ledger and the engine manager call into.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"foretoken/internal/model"
	"foretoken/internal/persistence"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// BeginTx opens a transaction and returns it wrapped as a persistence.Tx
// so the ledger and the engine never hold a raw *sql.Tx: a Postgres
// production run and an in-memory test run go through the identical
// interface.
func (s *Store) BeginTx(ctx context.Context) (persistence.Tx, error) {
	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: sqlTx}, nil
}

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash, role) VALUES ($1,$2,$3)
		 RETURNING id, email, password_hash, role, created_at`, email, hash, role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE email=$1`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, email, role, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// ── Balances ─────────────────────────────────────────
//
// A balance is keyed by (user_id, scope). Scope is "GLOBAL" for every
// user's default pool or an organization id for an org-scoped market.

func (s *Store) CreateBalance(ctx context.Context, userID string, scope model.Scope) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO balances (user_id, scope) VALUES ($1,$2) ON CONFLICT DO NOTHING`, userID, scope)
	return err
}

func (s *Store) GetBalance(ctx context.Context, userID string, scope model.Scope) (*model.Balance, error) {
	b := &model.Balance{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id, scope, balance_cents, locked_cents FROM balances WHERE user_id=$1 AND scope=$2`, userID, scope,
	).Scan(&b.UserID, &b.Scope, &b.BalanceCents, &b.LockedCents)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// Tx wraps a *sql.Tx and implements persistence.Tx: every statement a
// matching-engine command issues against orders, trades, balances,
// positions, markets and the event log, batched into one commit.
type Tx struct{ tx *sql.Tx }

// GetBalanceForUpdate locks the row within tx, lazily creating it (a
// user's first trade in a scope) so the caller never has to special-case
// a missing balance.
func (t *Tx) GetBalanceForUpdate(userID string, scope model.Scope) (*model.Balance, error) {
	b := &model.Balance{}
	err := t.tx.QueryRow(
		`SELECT user_id, scope, balance_cents, locked_cents FROM balances WHERE user_id=$1 AND scope=$2 FOR UPDATE`,
		userID, scope,
	).Scan(&b.UserID, &b.Scope, &b.BalanceCents, &b.LockedCents)
	if err == sql.ErrNoRows {
		if _, err := t.tx.Exec(`INSERT INTO balances (user_id, scope) VALUES ($1,$2)`, userID, scope); err != nil {
			return nil, err
		}
		return &model.Balance{UserID: userID, Scope: scope}, nil
	}
	return b, err
}

func (s *Store) DepositBalance(ctx context.Context, userID string, scope model.Scope, cents int64) (*model.Balance, error) {
	b := &model.Balance{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO balances (user_id, scope, balance_cents) VALUES ($1,$2,$3)
		 ON CONFLICT (user_id, scope) DO UPDATE SET balance_cents = balances.balance_cents + $3
		 RETURNING user_id, scope, balance_cents, locked_cents`, userID, scope, cents,
	).Scan(&b.UserID, &b.Scope, &b.BalanceCents, &b.LockedCents)
	return b, err
}

func (t *Tx) BalanceAddLocked(userID string, scope model.Scope, delta int64) error {
	_, err := t.tx.Exec(`UPDATE balances SET locked_cents = locked_cents + $1 WHERE user_id=$2 AND scope=$3`, delta, userID, scope)
	return err
}

func (t *Tx) BalanceAddAmount(userID string, scope model.Scope, delta int64) error {
	_, err := t.tx.Exec(`UPDATE balances SET balance_cents = balance_cents + $1 WHERE user_id=$2 AND scope=$3`, delta, userID, scope)
	return err
}

// ── Markets ──────────────────────────────────────────

func (s *Store) CreateMarket(ctx context.Context, slug, title, desc string, tick int, scope model.Scope) (*model.Market, error) {
	m := &model.Market{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO markets (slug,title,description,tick_size_cents,scope)
		 VALUES ($1,$2,$3,$4,$5)
		 RETURNING id,slug,title,description,status,outcome,scope,tick_size_cents,volume_cents,created_at,resolved_at`,
		slug, title, desc, tick, scope,
	).Scan(&m.ID, &m.Slug, &m.Title, &m.Description, &m.Status, &m.Outcome, &m.Scope, &m.TickSizeCents, &m.VolumeCents, &m.CreatedAt, &m.ResolvedAt)
	return m, err
}

const marketCols = `id,slug,title,description,status,outcome,scope,tick_size_cents,volume_cents,created_at,resolved_at`

func scanMarket(row *sql.Row) (*model.Market, error) {
	m := &model.Market{}
	err := row.Scan(&m.ID, &m.Slug, &m.Title, &m.Description, &m.Status, &m.Outcome, &m.Scope, &m.TickSizeCents, &m.VolumeCents, &m.CreatedAt, &m.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *Store) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+marketCols+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.Slug, &m.Title, &m.Description, &m.Status, &m.Outcome, &m.Scope, &m.TickSizeCents, &m.VolumeCents, &m.CreatedAt, &m.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+marketCols+` FROM markets WHERE id=$1`, id)
	return scanMarket(row)
}

func (s *Store) GetOpenMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+marketCols+` FROM markets WHERE status='OPEN'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.Slug, &m.Title, &m.Description, &m.Status, &m.Outcome, &m.Scope, &m.TickSizeCents, &m.VolumeCents, &m.CreatedAt, &m.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (t *Tx) ResolveMarketTx(marketID string, outcome model.Side) error {
	_, err := t.tx.Exec(`UPDATE markets SET status='RESOLVED', outcome=$1, resolved_at=now() WHERE id=$2`, outcome, marketID)
	return err
}

func (t *Tx) DeleteMarketTx(marketID string) error {
	_, err := t.tx.Exec(`UPDATE markets SET status='DELETED', resolved_at=now() WHERE id=$1`, marketID)
	return err
}

func (t *Tx) AddMarketVolume(marketID string, cents int64) error {
	_, err := t.tx.Exec(`UPDATE markets SET volume_cents = volume_cents + $1 WHERE id=$2`, cents, marketID)
	return err
}

// ── Orders ───────────────────────────────────────────

func (t *Tx) InsertOrder(o *model.Order) error {
	_, err := t.tx.Exec(
		`INSERT INTO orders (id,market_id,user_id,side,kind,order_type,price_cents,qty,remaining_qty,locked_cents,locked_shares,status,seq,client_order_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		o.ID, o.MarketID, o.UserID, o.Side, o.Kind, o.OrderType, o.PriceCents, o.Qty, o.RemainingQty, o.LockedCents, o.LockedShares, o.Status, o.Seq, o.ClientOrderID,
	)
	return err
}

func (t *Tx) UpdateOrderFill(orderID string, remainingQty int, lockedCents int64, lockedShares int, status model.OrderStatus) error {
	_, err := t.tx.Exec(
		`UPDATE orders SET remaining_qty=$1, locked_cents=$2, locked_shares=$3, status=$4, updated_at=now() WHERE id=$5`,
		remainingQty, lockedCents, lockedShares, status, orderID,
	)
	return err
}

func (t *Tx) CancelOrderRow(orderID string) error {
	_, err := t.tx.Exec(`UPDATE orders SET status='CANCELED', remaining_qty=0, locked_cents=0, locked_shares=0, updated_at=now() WHERE id=$1`, orderID)
	return err
}

const orderCols = `id,market_id,user_id,side,kind,order_type,price_cents,qty,remaining_qty,locked_cents,locked_shares,status,seq,client_order_id,created_at,updated_at`

func scanOrder(row *sql.Row) (*model.Order, error) {
	o := &model.Order{}
	err := row.Scan(&o.ID, &o.MarketID, &o.UserID, &o.Side, &o.Kind, &o.OrderType, &o.PriceCents, &o.Qty, &o.RemainingQty, &o.LockedCents, &o.LockedShares, &o.Status, &o.Seq, &o.ClientOrderID, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func scanOrders(rows *sql.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.MarketID, &o.UserID, &o.Side, &o.Kind, &o.OrderType, &o.PriceCents, &o.Qty, &o.RemainingQty, &o.LockedCents, &o.LockedShares, &o.Status, &o.Seq, &o.ClientOrderID, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) GetOpenOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE market_id=$1 AND status IN ('OPEN','PARTIAL') ORDER BY seq`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) GetUserOrders(ctx context.Context, marketID, userID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE market_id=$1 AND user_id=$2 ORDER BY created_at DESC LIMIT 200`, marketID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id)
	return scanOrder(row)
}

func (s *Store) MaxSeq(ctx context.Context, marketID string) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0) FROM (
			SELECT seq FROM orders WHERE market_id=$1
			UNION ALL SELECT seq FROM trades WHERE market_id=$1
			UNION ALL SELECT seq FROM event_log WHERE market_id=$1 AND seq IS NOT NULL
		 ) t`, marketID,
	).Scan(&seq)
	return seq, err
}

// ── Trades ───────────────────────────────────────────

func (tx *Tx) InsertTrade(t *model.Trade) error {
	var sellerID *string
	if t.SellerID != "" {
		sellerID = &t.SellerID
	}
	_, err := tx.tx.Exec(
		`INSERT INTO trades (id,market_id,kind,side,price_cents,qty,buyer_user_id,seller_user_id,maker_order_id,taker_order_id,fee_cents,seq)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.MarketID, t.Kind, t.Side, t.PriceCents, t.Qty, t.BuyerID, sellerID, t.MakerOrderID, t.TakerOrderID, t.FeeCents, t.Seq,
	)
	return err
}

func (s *Store) ListTrades(ctx context.Context, marketID string, limit int) ([]model.Trade, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,market_id,kind,side,price_cents,qty,buyer_user_id,seller_user_id,maker_order_id,taker_order_id,fee_cents,seq,created_at
		 FROM trades WHERE market_id=$1 ORDER BY created_at DESC LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var sellerID sql.NullString
		if err := rows.Scan(&t.ID, &t.MarketID, &t.Kind, &t.Side, &t.PriceCents, &t.Qty, &t.BuyerID, &sellerID, &t.MakerOrderID, &t.TakerOrderID, &t.FeeCents, &t.Seq, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.SellerID = sellerID.String
		out = append(out, t)
	}
	return out, nil
}

// ── Positions ────────────────────────────────────────

// GetPositionForUpdate locks the (market,user) position row, lazily
// creating it on first acquisition.
func (t *Tx) GetPositionForUpdate(marketID, userID string) (*model.Position, error) {
	p := &model.Position{MarketID: marketID, UserID: userID}
	err := t.tx.QueryRow(
		`SELECT yes_shares,no_shares,avg_yes_cost_cents,avg_no_cost_cents,locked_yes_shares,locked_no_shares
		 FROM positions WHERE market_id=$1 AND user_id=$2 FOR UPDATE`, marketID, userID,
	).Scan(&p.YesShares, &p.NoShares, &p.AvgYesCostCents, &p.AvgNoCostCents, &p.LockedYesShares, &p.LockedNoShares)
	if err == sql.ErrNoRows {
		if _, err := t.tx.Exec(`INSERT INTO positions (market_id,user_id) VALUES ($1,$2)`, marketID, userID); err != nil {
			return nil, err
		}
		return p, nil
	}
	return p, err
}

func (t *Tx) SavePosition(p *model.Position) error {
	_, err := t.tx.Exec(
		`UPDATE positions SET yes_shares=$1,no_shares=$2,avg_yes_cost_cents=$3,avg_no_cost_cents=$4,locked_yes_shares=$5,locked_no_shares=$6
		 WHERE market_id=$7 AND user_id=$8`,
		p.YesShares, p.NoShares, p.AvgYesCostCents, p.AvgNoCostCents, p.LockedYesShares, p.LockedNoShares, p.MarketID, p.UserID,
	)
	return err
}

func (s *Store) ListPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT market_id,user_id,yes_shares,no_shares,avg_yes_cost_cents,avg_no_cost_cents,locked_yes_shares,locked_no_shares
		 FROM positions WHERE market_id=$1`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.MarketID, &p.UserID, &p.YesShares, &p.NoShares, &p.AvgYesCostCents, &p.AvgNoCostCents, &p.LockedYesShares, &p.LockedNoShares); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (t *Tx) ZeroPositions(marketID string) error {
	_, err := t.tx.Exec(`UPDATE positions SET yes_shares=0,no_shares=0,locked_yes_shares=0,locked_no_shares=0 WHERE market_id=$1`, marketID)
	return err
}

// ── Event Log ────────────────────────────────────────

func (t *Tx) AppendEvent(marketID *string, seq *int64, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(
		`INSERT INTO event_log (market_id, seq, type, payload_json) VALUES ($1,$2,$3,$4)`,
		marketID, seq, evType, b,
	)
	return err
}

func (s *Store) ListEvents(ctx context.Context, marketID *string, limit int) ([]model.EventLog, error) {
	q := `SELECT id, market_id, seq, type, payload_json, created_at FROM event_log`
	var args []any
	if marketID != nil {
		q += ` WHERE market_id=$1`
		args = append(args, *marketID)
	}
	q += ` ORDER BY created_at DESC LIMIT ` + fmt.Sprintf("%d", limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EventLog
	for rows.Next() {
		var e model.EventLog
		var raw []byte
		if err := rows.Scan(&e.ID, &e.MarketID, &e.Seq, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(raw, &e.PayloadJSON)
		out = append(out, e)
	}
	return out, nil
}

// ── Platform fee ─────────────────────────────────────

func (t *Tx) AddPlatformFee(cents int64) error {
	_, err := t.tx.Exec(`UPDATE platform_fee_wallet SET balance_cents = balance_cents + $1 WHERE id=1`, cents)
	return err
}

// Commit and Rollback satisfy persistence.Tx directly against the
// wrapped *sql.Tx.
func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

func (s *Store) GetPlatformFee(ctx context.Context) (int64, error) {
	var c int64
	err := s.DB.QueryRowContext(ctx, `SELECT balance_cents FROM platform_fee_wallet WHERE id=1`).Scan(&c)
	return c, err
}
