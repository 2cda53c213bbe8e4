package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Pulse/internal/adapters/http"
	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/auth"
	"github.com/dkeye/Pulse/internal/bridge"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/dkeye/Pulse/internal/health"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	instance := domain.InstanceID(cfg.InstanceID)
	if instance == "" {
		instance = domain.NewInstanceID()
	}

	backend, err := bridge.Open(cfg.Bridge, cfg.Presence.Retention, nil)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Bridge.Driver).Msg("failed to open bridge")
	}
	br := bridge.NewResilient(backend, bridge.Options{
		BackoffBase:   cfg.Bridge.BackoffBase,
		BackoffCap:    cfg.Bridge.BackoffCap,
		BackoffJitter: cfg.Bridge.BackoffJitter,
		PingInterval:  cfg.Bridge.PingInterval,
	})
	br.Start()
	defer func() { _ = br.Close() }()

	svc := app.NewService(app.Options{
		Instance:          instance,
		IdleTimeout:       cfg.Presence.IdleTimeout,
		TypingTTL:         cfg.Presence.TypingTTL,
		Debounce:          cfg.Presence.Debounce,
		Retention:         cfg.Presence.Retention,
		SweepInterval:     cfg.Presence.SweepInterval,
		SendTimeout:       cfg.Transport.SendTimeout,
		DedupWindow:       cfg.Cluster.DedupWindow,
		Policy:            app.SimplePolicy{},
		ReconcileInterval: cfg.Cluster.ReconcileInterval,
		PeerTimeout:       cfg.Cluster.PeerTimeout(),
	}, br)
	svc.Start(ctx)

	o := orch.New(svc,
		auth.NewJWTResolver(cfg.Auth.JWTSecret),
		auth.NewACL(cfg.Auth.Admins, cfg.Auth.AdminRoomPrefix),
		orch.Options{SendTimeout: cfg.Transport.SendTimeout, EventsPerSecond: cfg.Limits.EventsPerSecond},
	)

	var draining atomic.Bool
	hc := health.NewHandler(string(instance))
	hc.AddChecker(health.NewBridgeChecker(br))
	hc.AddChecker(health.NewPingChecker("gateway", func(context.Context) error {
		if draining.Load() {
			return errors.New("shutting down")
		}
		return nil
	}, time.Second))

	r := router.SetupRouter(ctx, cfg, o, hc)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("instance", string(instance)).Str("bridge", cfg.Bridge.Driver).Msg("Pulse server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	draining.Store(true)
	svc.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
