package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/gym-standing-booking/internal/app"
	"github.com/iliyamo/gym-standing-booking/internal/config"
	"github.com/iliyamo/gym-standing-booking/internal/database"
	"github.com/iliyamo/gym-standing-booking/internal/logging"
	"github.com/iliyamo/gym-standing-booking/internal/queue"
	"github.com/iliyamo/gym-standing-booking/internal/router"
)

func main() {
	cfg, err := config.Load()
	logging.Init(cfg.Env)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open database")
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("migrate schema")
	}

	a := app.New(cfg, db, app.Publisher(cfg))

	var rdb *redis.Client
	if client, err := config.NewRedisClient(ctx, config.LoadRedisConfig()); err != nil {
		log.Warn().Err(err).Msg("redis unavailable; rate limiting and caching disabled")
	} else {
		rdb = client
		defer rdb.Close()
	}

	if cfg.SubscriptionConsumerOn {
		consumer := queue.NewConsumer(cfg.AMQPURL, a.Standing)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("subscription consumer stopped")
			}
		}()
	}

	e := router.New(a, router.Options{
		JWTSecret: cfg.JWTSecret,
		RateLimit: config.LoadRateLimitConfig(),
		Cache:     config.LoadCacheConfig(),
		Redis:     rdb,
	})

	addr := ":" + cfg.Port
	go func() {
		log.Info().Str("addr", addr).Str("env", cfg.Env).Str("db", cfg.DBDriver).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("stopped")
}
