// feedsyncd serves a synchronized message feed over HTTP. It keeps a local
// page cache of the upstream feed API, consumes the upstream push channel
// for live updates, and falls back to polling when the channel degrades.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/walletpulse/feedsync/internal/config"
	"github.com/walletpulse/feedsync/internal/model"
	"github.com/walletpulse/feedsync/pkg/batcher"
	"github.com/walletpulse/feedsync/pkg/events"
	"github.com/walletpulse/feedsync/pkg/feed"
	"github.com/walletpulse/feedsync/pkg/gateway"
	"github.com/walletpulse/feedsync/pkg/logging"
	"github.com/walletpulse/feedsync/pkg/mutation"
	"github.com/walletpulse/feedsync/pkg/pagecache"
	"github.com/walletpulse/feedsync/pkg/seen"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup(logging.Config{Level: logging.LevelInfo})
		logger := logging.NewLogger("main")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stdout,
	})
	logger := logging.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Seen state persists in Redis; a missing Redis degrades to in-memory
	// tracking rather than refusing to start.
	var seenStore seen.Store
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, read positions will not persist")
		seenStore = seen.NewMemoryStore()
	} else {
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
		seenStore = seen.NewRedisStore(redisClient)
	}
	defer redisClient.Close()

	gwConfig := gateway.DefaultConfig(cfg.Feed.BaseURL)
	gwConfig.AuthToken = cfg.Feed.AuthToken
	gw, err := gateway.New(gwConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create feed gateway")
	}

	store := pagecache.New[model.ChatMessage]()
	engine := mutation.NewEngine(store)
	tracker := seen.NewTracker(ctx, cfg.Feed.Scope, seenStore)

	feedConfig := feed.DefaultConfig(cfg.Feed.Scope)
	feedConfig.PollInterval = cfg.Feed.PollInterval
	coordinator := feed.New(ctx, feedConfig, messagePageFetch(gw), feed.JSONDecode[model.ChatMessage](), store, engine, tracker)
	defer coordinator.Close()

	pushConfig := events.DefaultConfig(cfg.Push.URL)
	pushConfig.AuthToken = cfg.Feed.AuthToken
	if cfg.Push.MaxReconnectAttempts > 0 {
		pushConfig.MaxReconnectAttempts = cfg.Push.MaxReconnectAttempts
	}
	if cfg.Push.PingInterval > 0 {
		pushConfig.PingInterval = cfg.Push.PingInterval
	}
	adapter := events.New(pushConfig)
	detach := coordinator.Bind(adapter)
	defer detach()

	batcherConfig := batcher.DefaultConfig()
	if cfg.Batcher.Window > 0 {
		batcherConfig.Window = cfg.Batcher.Window
	}
	if cfg.Batcher.RefreshDelay > 0 {
		batcherConfig.RefreshDelay = cfg.Batcher.RefreshDelay
	}
	tokens := batcher.New(tokenBatchFetch(gw), batcherConfig)
	defer tokens.Close()

	server := newServer(coordinator, engine, tracker, tokens, gw)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Str("scope", cfg.Feed.Scope).Msg("feedsyncd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}
}
