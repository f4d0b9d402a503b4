// Package cache batches bids into an external store before they are accepted into an auction
package cache

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
)

// Config holds batching configuration
type Config struct {
	// URL is the public cache endpoint used to derive cache urls
	URL          string
	BatchSize    int
	BatchTimeout time.Duration
	StoreTimeout time.Duration
	// IgnoreBidderCacheKey stores bids even when the bidder supplied its own cache key
	IgnoreBidderCacheKey bool
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		BatchSize:    1,
		StoreTimeout: time.Second,
	}
}

// Observer receives pipeline outcomes
type Observer interface {
	BatchFlushed(size int, took time.Duration, err error)
	BidDiscarded(bidderCode string)
}

// Done resolves one queued bid. accepted is false when the bid was discarded.
type Done func(accepted bool)

type entry struct {
	bid  *bid.Bid
	done Done
}

// Batcher groups bids into size and time bounded batches for the store.
// It is shared by all auctions of the process.
type Batcher struct {
	config   *Config
	store    Store
	observer Observer
	log      zerolog.Logger

	mu         sync.Mutex
	batches    [][]entry
	debouncing bool
}

// NewBatcher creates a batcher. A nil store discards every enqueued bid.
func NewBatcher(store Store, config *Config) *Batcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = time.Second
	}
	return &Batcher{
		config:  config,
		store:   store,
		log:     logger.Component("cache"),
		batches: [][]entry{nil},
	}
}

// SetObserver registers an observer
func (b *Batcher) SetObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = o
}

// Enabled reports whether a store is configured
func (b *Batcher) Enabled() bool {
	return b != nil && b.store != nil
}

// Route is the pipeline decision for a bid
type Route int

const (
	// RouteAccept adds the bid to the auction directly
	RouteAccept Route = iota
	// RouteCache sends the bid through the store first
	RouteCache
	// RouteReject drops the bid
	RouteReject
)

// Route decides how a video bid enters the auction. Only video bids of placements that
// are not outstream, or that ask for a cache key, are cached. A bid carrying its own
// cache key skips the store, but must then carry a VAST url.
func (b *Batcher) Route(bd *bid.Bid, mt *bid.MediaTypes) Route {
	if bd.MediaType != bid.MediaTypeVideo || !bd.Available() || !b.Enabled() {
		return RouteAccept
	}
	useCacheKey := mt != nil && mt.Video != nil && mt.Video.UseCacheKey
	if !useCacheKey && mt.VideoContext() == bid.VideoOutstream {
		return RouteAccept
	}
	if bd.CacheKey == "" || b.config.IgnoreBidderCacheKey {
		return RouteCache
	}
	if bd.VastURL == "" {
		b.log.Error().
			Str("bidder", bd.BidderCode).
			Str("adUnit", bd.AdUnitCode).
			Msg("videoCacheKey specified but not required vastUrl for video bid")
		return RouteReject
	}
	return RouteAccept
}

// Enqueue adds a bid to the open batch. done is invoked exactly once.
func (b *Batcher) Enqueue(bd *bid.Bid, done Done) {
	b.mu.Lock()
	last := len(b.batches) - 1
	if len(b.batches[last]) >= b.config.BatchSize {
		b.batches = append(b.batches, nil)
		last++
	}
	b.batches[last] = append(b.batches[last], entry{bid: bd, done: done})

	schedule := !b.debouncing
	b.debouncing = true
	b.mu.Unlock()

	if !schedule {
		return
	}
	if b.config.BatchTimeout <= 0 {
		b.flushAll(false)
		return
	}
	time.AfterFunc(b.config.BatchTimeout, func() { b.flushAll(true) })
}

// Flush stores every open batch immediately
func (b *Batcher) Flush() {
	b.flushAll(false)
}

func (b *Batcher) flushAll(async bool) {
	b.mu.Lock()
	batches := b.batches
	b.batches = [][]entry{nil}
	b.debouncing = false
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		if !async {
			b.flush(batch)
			continue
		}
		wg.Add(1)
		go func(batch []entry) {
			defer wg.Done()
			b.flush(batch)
		}(batch)
	}
	wg.Wait()
}

// flush performs one store call and resolves every entry of the batch
func (b *Batcher) flush(batch []entry) {
	b.mu.Lock()
	obs := b.observer
	b.mu.Unlock()

	bids := make([]*bid.Bid, len(batch))
	for i, e := range batch {
		bids[i] = e.bid
	}

	start := time.Now()
	var results []Result
	var err error
	if b.store == nil {
		err = ErrNoStore
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), b.config.StoreTimeout)
		results, err = b.storeSafely(ctx, bids)
		cancel()
	}
	if obs != nil {
		obs.BatchFlushed(len(batch), time.Since(start), err)
	}

	if err != nil {
		b.log.Warn().
			Err(err).
			Int("bids", len(batch)).
			Msg("Failed to save to the video cache, video bids will be discarded")
	}

	for i, e := range batch {
		accepted := false
		switch {
		case err != nil:
		case i >= len(results):
			b.log.Warn().Str("bidder", e.bid.BidderCode).Msg("cache store returned no result for bid")
		case results[i].Err != nil || results[i].Key == "":
			b.log.Warn().
				Err(results[i].Err).
				Str("bidder", e.bid.BidderCode).
				Str("adUnit", e.bid.AdUnitCode).
				Msg("video bid discarded by cache")
		default:
			e.bid.CacheKey = results[i].Key
			if e.bid.CacheURL == "" {
				e.bid.CacheURL = b.CacheURL(results[i].Key)
			}
			accepted = true
		}
		if !accepted && obs != nil {
			obs.BidDiscarded(e.bid.BidderCode)
		}
		b.resolve(e, accepted)
	}
}

func (b *Batcher) storeSafely(ctx context.Context, bids []*bid.Bid) (results []Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			results, err = nil, fmt.Errorf("cache store panicked: %v", r)
		}
	}()
	return b.store.Store(ctx, bids)
}

func (b *Batcher) resolve(e entry, accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Msg("cache continuation panicked")
		}
	}()
	e.done(accepted)
}

// CacheURL derives the public url of a cache key, empty when no url is configured
func (b *Batcher) CacheURL(key string) string {
	if b.config.URL == "" || key == "" {
		return ""
	}
	return b.config.URL + "?uuid=" + url.QueryEscape(key)
}
