package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"foretoken/internal/api"
	"foretoken/internal/config"
	"foretoken/internal/engine"
	"foretoken/internal/eventbus"
	"foretoken/internal/ledger"
	"foretoken/internal/logging"
	"foretoken/internal/store"
	"foretoken/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	log.Info().Msg("connected to database")

	if err := st.Migrate("migrations"); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}
	log.Info().Msg("migrations applied")

	st.DB.ExecContext(ctx, `INSERT INTO platform_fee_wallet (id, balance_cents) VALUES (1, 0) ON CONFLICT DO NOTHING`)

	lg := ledger.New(st)
	bus := eventbus.New(log)
	hub := ws.NewHub(bus, log)

	mgr := engine.NewManager(st, lg, bus, cfg.TakerFeeBps, log)
	if err := mgr.Boot(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine boot")
	}

	srv := api.NewServer(st, mgr, hub, cfg.JWTSecret, cfg.TakerFeeBps, log)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
