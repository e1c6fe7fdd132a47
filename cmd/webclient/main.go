// Command webclient runs the local shell of the AgriMarket web client.
//
// Startup sequence:
//
//  1. Load configuration and initialise the logger.
//  2. Open the token store selected by TOKEN_STORE.
//  3. Build the backend gateway and the session manager.
//  4. Start restoring the persisted session; the profile fetch finishes in
//     the background.
//  5. Serve HTTP until SIGINT/SIGTERM, then shut down gracefully.
//
// @title        AgriMarket Web Client
// @version      1.0
// @description  Local shell owning the marketplace session.
// @host         localhost:3000
// @BasePath     /
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrimarket/web-client/internal/api"
	"github.com/agrimarket/web-client/internal/api/metrics"
	"github.com/agrimarket/web-client/internal/core/ports"
	"github.com/agrimarket/web-client/internal/core/service"
	"github.com/agrimarket/web-client/internal/infrastructure/backend"
	"github.com/agrimarket/web-client/internal/infrastructure/storage"
	"github.com/agrimarket/web-client/internal/pkg/config"
	"github.com/agrimarket/web-client/pkg/logger"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg := config.Load()
	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  cfg.IsDevelopment(),
		Service: "agrimarket-web-client",
	})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("web client stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	store, closeStore, err := storage.Open(startupCtx, cfg, logger.Component("storage"))
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(context.Background()); err != nil {
			log.Error().Err(err).Msg("token store close error")
		}
	}()

	gateway, err := backend.New(cfg.API.BaseURL, &http.Client{Timeout: cfg.API.Timeout}, logger.Component("backend"))
	if err != nil {
		return err
	}

	session := service.NewSessionService(gateway, store, logger.Component("session"))
	unsubscribe := session.Subscribe(metrics.ObserveSession)
	defer unsubscribe()
	metrics.ObserveSession(session.Snapshot())

	// The stored token is read before the listener opens, so no request can
	// observe the pre-restore state. The UI may poll /session while the
	// profile request is in flight.
	restored := session.StartRestore(ctx)
	go func() {
		metrics.RestoresTotal.WithLabelValues(string(<-restored)).Inc()
	}()

	readiness := map[string]ports.Pinger{"backend": gateway}
	if p, ok := store.(ports.Pinger); ok {
		readiness["token_store"] = p
	}

	e := api.NewRouter(api.Deps{
		Session:   session,
		Readiness: readiness,
		Log:       logger.Component("http"),
	})

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", addr).
			Str("backend", gateway.BaseURL()).
			Str("token_store", cfg.Token.Store).
			Msg("web client listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
