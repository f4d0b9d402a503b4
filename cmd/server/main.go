// Package main is the entry point for the auctioneer server
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/adapters"
	_ "github.com/StreetsDigital/thenexusengine/auctioneer/internal/adapters/debug"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/adapters/httpjson"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/auction"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/cache"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/config"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/endpoints"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/exchange"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/redis"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger.Init(cfg.Logger())
	log := logger.Component("server")

	log.Info().
		Int("port", cfg.Port).
		Int("timeout_ms", cfg.AuctionTimeoutMS).
		Int("max_requests_per_origin", cfg.MaxRequestsPerOrigin).
		Str("cache_backend", cfg.CacheBackend).
		Msg("Starting auctioneer")

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = redis.New(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Redis client")
		}
		defer rdb.Close()
	}

	httpClient := adapters.NewHTTPClient(cfg.Exchange().DefaultTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := exchange.Deps{Registry: adapters.DefaultRegistry}

	var dynamic *httpjson.DynamicRegistry
	if rdb != nil {
		dynamic = httpjson.NewDynamicRegistry(rdb, httpClient, cfg.DynamicRefreshPeriod)
		if err := dynamic.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("Initial dynamic bidder load failed")
		}
		defer dynamic.Stop()
		deps.Dynamic = dynamic
	}

	switch cfg.CacheBackend {
	case config.CacheBackendHTTP:
		deps.Store = cache.NewHTTPStore(cfg.CacheURL, httpClient)
	case config.CacheBackendRedis:
		deps.Store = cache.NewRedisStore(rdb, cfg.CacheRedisPrefix)
	}

	m := metrics.NewMetrics(cfg.MetricsNamespace)
	deps.Listeners = []auction.Listener{m}
	deps.AdmissionObserver = m
	deps.CacheObserver = m

	ex := exchange.New(cfg.Exchange(), deps)

	log.Info().Strs("bidders", adapters.DefaultRegistry.ListEnabledBidders()).Msg("Registered bidders")

	router := endpoints.RouterConfig{
		Exchange:  ex,
		Bidders:   adapters.DefaultRegistry,
		Metrics:   m,
		CORS:      cfg.CORS(),
		SizeLimit: cfg.SizeLimit(),
	}
	if dynamic != nil {
		router.Dynamic = dynamic
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      endpoints.NewRouter(router),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: endpoints.MaxTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := ex.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to drain exchange")
	}

	log.Info().Msg("Server stopped")
}
