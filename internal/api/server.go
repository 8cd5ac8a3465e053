// Package api is the HTTP/JSON gateway: auth, market and order
// endpoints, and the admin surface. It never matches an order: placing,
// canceling, resolving and deleting are handed to the engine manager,
// which owns the single actor per market. Registration and the admin
// deposit endpoint write balance rows through the store directly.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"foretoken/internal/apperr"
	"foretoken/internal/engine"
	"foretoken/internal/model"
	"foretoken/internal/store"
	"foretoken/internal/ws"
)

type Server struct {
	store   *store.Store
	manager *engine.Manager
	hub     *ws.Hub
	secret  []byte
	feeBps  int
	log     zerolog.Logger
}

func NewServer(st *store.Store, mgr *engine.Manager, hub *ws.Hub, secret string, feeBps int, log zerolog.Logger) *Server {
	return &Server{store: st, manager: mgr, hub: hub, secret: []byte(secret), feeBps: feeBps, log: log.With().Str("component", "api").Logger()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.hub.HandleWS(w, r, optionalUserID(r, s.secret))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/wallet", s.getWallet)

		r.Get("/api/markets", s.listMarkets)
		r.Get("/api/markets/{id}", s.getMarket)
		r.Get("/api/markets/{id}/book", s.getBook)
		r.Get("/api/markets/{id}/trades", s.getTrades)

		r.Post("/api/markets/{id}/orders", s.placeOrder)
		r.Delete("/api/orders/{id}", s.cancelOrder)
		r.Get("/api/markets/{id}/orders", s.listOrders)

		r.Get("/api/markets/{id}/positions", s.listPositions)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/markets", s.createMarket)
			r.Post("/api/admin/markets/{id}/resolve", s.resolveMarket)
			r.Delete("/api/admin/markets/{id}", s.deleteMarket)
			r.Post("/api/admin/deposit", s.adminDeposit)
			r.Get("/api/admin/users", s.listUsers)
			r.Get("/api/admin/events", s.listEvents)
			r.Get("/api/admin/metrics", s.metrics)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", ww.Status()).Dur("dur", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}

	existing, _ := s.store.GetUserByEmail(r.Context(), req.Email)
	if existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, string(hash), model.RoleUser)
	if err != nil {
		jsonErr(w, 500, "create user failed: "+err.Error())
		return
	}
	if err := s.store.CreateBalance(r.Context(), user.ID, model.ScopeGlobal); err != nil {
		jsonErr(w, 500, "create balance failed")
		return
	}

	token := s.makeToken(user.ID, user.Role)
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	token := s.makeToken(user.ID, user.Role)
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) makeToken(userID string, role model.Role) string {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(72 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) parseToken(tokenStr string) (userID, role string, err error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("invalid claims")
	}
	userID, _ = claims["sub"].(string)
	role, _ = claims["role"].(string)
	return userID, role, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		userID, role, err := s.parseToken(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			jsonErr(w, 401, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// optionalUserID resolves the caller's identity for the websocket upgrade
// without rejecting anonymous connections — a viewer watching a market's
// public order book never needs an account, only a portfolio feed does.
func optionalUserID(r *http.Request, secret []byte) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || !token.Valid {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	uid, _ := claims["sub"].(string)
	return uid
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Wallet ───────────────────────────────────────────

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	scope := scopeParam(r)
	balance, err := s.store.GetBalance(r.Context(), uid, scope)
	if err != nil || balance == nil {
		jsonErr(w, 404, "balance not found")
		return
	}
	json200(w, struct {
		model.Balance
		BalanceDisplay string `json:"balance_display"`
		LockedDisplay  string `json:"locked_display"`
	}{*balance, centsToDollars(balance.BalanceCents), centsToDollars(balance.LockedCents)})
}

func scopeParam(r *http.Request) model.Scope {
	if s := r.URL.Query().Get("scope"); s != "" {
		return model.Scope(s)
	}
	return model.ScopeGlobal
}

// ── Markets ──────────────────────────────────────────

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	json200(w, markets)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mkt, err := s.store.GetMarket(r.Context(), id)
	if err != nil || mkt == nil {
		jsonErr(w, 404, "market not found")
		return
	}
	json200(w, mkt)
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	eng, ok := s.manager.GetEngine(id)
	if !ok {
		jsonErr(w, 404, "engine not running for this market")
		return
	}
	snap, err := eng.Snapshot(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, newBookView(snap))
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := clampLimit(r.URL.Query().Get("limit"), 50, 200)
	trades, err := s.store.ListTrades(r.Context(), id, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	json200(w, trades)
}

// ── Orders ───────────────────────────────────────────

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)

	var req model.PlaceOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Side != model.SideYes && req.Side != model.SideNo {
		jsonErr(w, 400, "side must be YES or NO")
		return
	}
	if req.Kind != model.KindBuy && req.Kind != model.KindSell {
		jsonErr(w, 400, "kind must be BUY or SELL")
		return
	}
	if req.Type != model.TypeLimit && req.Type != model.TypeMarket {
		jsonErr(w, 400, "type must be LIMIT or MARKET")
		return
	}
	if req.Type == model.TypeLimit && (req.PriceCents == nil || *req.PriceCents < 1 || *req.PriceCents > 99) {
		jsonErr(w, 400, "limit price must be 1-99")
		return
	}

	eng, ok := s.manager.GetEngine(marketID)
	if !ok {
		jsonErr(w, 404, "engine not running for this market")
		return
	}

	result, err := eng.PlaceOrder(r.Context(), uid, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	if result.Status == model.StatusRejected {
		jsonErr(w, 400, result.Reason)
		return
	}
	json200(w, result)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)

	order, err := s.store.GetOrder(r.Context(), orderID)
	if err != nil || order == nil {
		jsonErr(w, 404, "order not found")
		return
	}

	eng, ok := s.manager.GetEngine(order.MarketID)
	if !ok {
		jsonErr(w, 404, "engine not running for this market")
		return
	}

	if err := eng.CancelOrder(r.Context(), orderID, uid); err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "canceled"})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)
	orders, err := s.store.GetUserOrders(r.Context(), marketID, uid)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	json200(w, orders)
}

// ── Positions ────────────────────────────────────────

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	positions, err := s.store.ListPositions(r.Context(), marketID)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	json200(w, newPositionViews(positions))
}

// ── Admin ────────────────────────────────────────────

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug        string `json:"slug"`
		Title       string `json:"title"`
		Description string `json:"description"`
		TickSize    int    `json:"tick_size_cents"`
		Scope       string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Slug == "" || req.Title == "" {
		jsonErr(w, 400, "slug and title required")
		return
	}
	if req.TickSize <= 0 {
		req.TickSize = 1
	}
	scope := model.ScopeGlobal
	if req.Scope != "" {
		scope = model.Scope(req.Scope)
	}

	mkt, err := s.store.CreateMarket(r.Context(), req.Slug, req.Title, req.Description, req.TickSize, scope)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}

	if err := s.manager.StartEngine(r.Context(), *mkt); err != nil {
		s.log.Error().Err(err).Str("market_id", mkt.ID).Msg("failed to start engine")
	}

	w.WriteHeader(201)
	json.NewEncoder(w).Encode(mkt)
}

func (s *Server) resolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	adminID := r.Context().Value(ctxUserID).(string)

	var req struct {
		ResolvesTo string `json:"resolves_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	outcome := model.Side(req.ResolvesTo)
	if outcome != model.SideYes && outcome != model.SideNo {
		jsonErr(w, 400, "resolves_to must be YES or NO")
		return
	}

	eng, ok := s.manager.GetEngine(marketID)
	if !ok {
		jsonErr(w, 404, "engine not running for this market")
		return
	}

	if err := eng.ResolveMarket(r.Context(), outcome, adminID); err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "resolved", "resolves_to": string(outcome)})
}

func (s *Server) deleteMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	adminID := r.Context().Value(ctxUserID).(string)

	eng, ok := s.manager.GetEngine(marketID)
	if !ok {
		jsonErr(w, 404, "engine not running for this market")
		return
	}
	if err := eng.DeleteMarket(r.Context(), adminID); err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "deleted"})
}

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Scope  string `json:"scope"`
		Cents  int64  `json:"cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.UserID == "" || req.Cents <= 0 {
		jsonErr(w, 400, "user_id and cents > 0 required")
		return
	}
	scope := model.ScopeGlobal
	if req.Scope != "" {
		scope = model.Scope(req.Scope)
	}
	balance, err := s.store.DepositBalance(r.Context(), req.UserID, scope, req.Cents)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, balance)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	type userRow struct {
		ID           string    `json:"id"`
		Email        string    `json:"email"`
		Role         string    `json:"role"`
		CreatedAt    time.Time `json:"created_at"`
		BalanceCents int64     `json:"balance_cents"`
		LockedCents  int64     `json:"locked_cents"`
	}
	out := make([]userRow, 0, len(users))
	for _, u := range users {
		row := userRow{ID: u.ID, Email: u.Email, Role: string(u.Role), CreatedAt: u.CreatedAt}
		if b, err := s.store.GetBalance(r.Context(), u.ID, model.ScopeGlobal); err == nil && b != nil {
			row.BalanceCents, row.LockedCents = b.BalanceCents, b.LockedCents
		}
		out = append(out, row)
	}
	json200(w, out)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(r.URL.Query().Get("limit"), 100, 500)
	marketID := r.URL.Query().Get("market_id")
	var mp *string
	if marketID != "" {
		mp = &marketID
	}
	events, err := s.store.ListEvents(r.Context(), mp, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if events == nil {
		events = []model.EventLog{}
	}
	json200(w, events)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	markets, _ := s.store.ListMarkets(ctx)
	users, _ := s.store.ListUsers(ctx)
	fee, _ := s.store.GetPlatformFee(ctx)

	openMarkets := 0
	for _, m := range markets {
		if m.Status == model.MarketOpen {
			openMarkets++
		}
	}

	json200(w, map[string]any{
		"total_markets":      len(markets),
		"open_markets":       openMarkets,
		"total_users":        len(users),
		"platform_fee_cents": fee,
	})
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeErr translates an apperr.Error into its matching HTTP status;
// anything else (a storage hiccup the engine couldn't classify) is a
// 500.
func writeErr(w http.ResponseWriter, err error) {
	if ae, ok := err.(*apperr.Error); ok {
		jsonErr(w, apperr.HTTPStatus(ae.Kind), ae.Msg)
		return
	}
	jsonErr(w, 500, err.Error())
}

func clampLimit(raw string, def, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}
