package httpjson

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
)

// BiddersHash is the Redis hash holding bidder configurations keyed by bidder code
const BiddersHash = "auctioneer:bidders"

// RedisClient interface for Redis operations
type RedisClient interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// DynamicRegistry manages dynamically configured bidders
type DynamicRegistry struct {
	mu            sync.RWMutex
	adapters      map[string]*GenericAdapter
	redis         RedisClient
	client        adapters.HTTPClient
	refreshPeriod time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewDynamicRegistry creates a new dynamic registry
func NewDynamicRegistry(redis RedisClient, client adapters.HTTPClient, refreshPeriod time.Duration) *DynamicRegistry {
	return &DynamicRegistry{
		adapters:      make(map[string]*GenericAdapter),
		redis:         redis,
		client:        client,
		refreshPeriod: refreshPeriod,
		stopChan:      make(chan struct{}),
	}
}

// Start loads the configurations and begins the background refresh goroutine
func (r *DynamicRegistry) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return fmt.Errorf("initial load failed: %w", err)
	}
	if r.refreshPeriod > 0 {
		go r.refreshLoop(ctx)
	}
	return nil
}

// Stop stops the background refresh
func (r *DynamicRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

func (r *DynamicRegistry) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(r.refreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				logger.Log.Warn().Err(err).Msg("Failed to refresh dynamic bidders")
			}
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Refresh loads all bidder configurations from Redis
func (r *DynamicRegistry) Refresh(ctx context.Context) error {
	configs, err := r.redis.HGetAll(ctx, BiddersHash)
	if err != nil {
		return fmt.Errorf("failed to get bidders from Redis: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(configs))
	for bidderCode, jsonStr := range configs {
		var config BidderConfig
		if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
			logger.Log.Warn().Err(err).Str("bidder", bidderCode).Msg("Failed to parse bidder config")
			continue
		}
		if config.BidderCode == "" {
			config.BidderCode = bidderCode
		}
		seen[bidderCode] = true

		if existing, ok := r.adapters[bidderCode]; ok {
			existing.UpdateConfig(&config)
		} else {
			r.adapters[bidderCode] = New(&config, r.client)
		}
	}

	// Remove adapters that no longer exist in Redis
	for code := range r.adapters {
		if !seen[code] {
			delete(r.adapters, code)
		}
	}
	return nil
}

// Get returns the adapter of a bidder code in the static registry format
func (r *DynamicRegistry) Get(bidderCode string) (adapters.AdapterWithInfo, bool) {
	r.mu.RLock()
	a, ok := r.adapters[bidderCode]
	r.mu.RUnlock()
	if !ok {
		return adapters.AdapterWithInfo{}, false
	}
	return adapters.AdapterWithInfo{Adapter: a, Info: a.Info()}, true
}

// ListBidderCodes returns all bidder codes, sorted
func (r *DynamicRegistry) ListBidderCodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]string, 0, len(r.adapters))
	for code := range r.adapters {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Count returns the number of registered adapters
func (r *DynamicRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
