package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-calling/config"
	"github.com/mossy-p/webrtc-calling/internal/handlers"
	"github.com/mossy-p/webrtc-calling/internal/logging"
	"github.com/mossy-p/webrtc-calling/internal/presence"
	"github.com/mossy-p/webrtc-calling/internal/redis"
	"github.com/mossy-p/webrtc-calling/internal/signaling"
	"github.com/mossy-p/webrtc-calling/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.LogLevel, cfg.Environment)
	logger := logging.Module("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	users, err := store.Open(cfg.DatabaseURL, cfg.IsProduction())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open user store")
	}
	defer users.Close()

	deps := handlers.Deps{Config: cfg, Users: users}

	var (
		hubOpts []presence.Option
		mirror  *redis.PresenceMirror
	)
	if cfg.Redis.Enabled {
		// Connect to Redis
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		logger.Info().Str("host", cfg.Redis.Host).Msg("redis connection established")

		mirror = redis.NewPresenceMirror(rdb, cfg.Redis.PresenceTTL)
		hubOpts = append(hubOpts, presence.WithMirror(mirror))

		deps.Denylist = redis.NewDenylist(rdb)
		deps.Online = mirror
	} else {
		logger.Warn().Msg("redis disabled: logout cannot revoke tokens and presence is local only")
	}

	deps.Hub = presence.NewHub(hubOpts...)
	if mirror != nil {
		go mirror.Run(ctx, deps.Hub)
	}
	deps.Relay = signaling.NewRelay(deps.Hub)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("environment", cfg.Environment).Msg("starting signaling server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
