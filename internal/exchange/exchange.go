// Package exchange wires the process level collaborators shared by all auctions
package exchange

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/admission"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/auction"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/cache"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/dispatch"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/targeting"
	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
)

// Exchange runs auctions against one shared admission ledger, cache pipeline and normalizer
type Exchange struct {
	config     *Config
	admission  *admission.Controller
	batcher    *cache.Batcher
	normalizer *targeting.Normalizer
	dispatcher *dispatch.Dispatcher
	listener   auction.Listener

	mu     sync.Mutex
	recent map[string]*auction.Auction
	order  []string
}

// Config holds exchange configuration
type Config struct {
	DefaultTimeout time.Duration
	TimeoutBuffer  time.Duration
	// RetainedAuctions is the number of finished and running auctions kept for lookup
	RetainedAuctions int
	SecondaryBidders []string
	UserSync         auction.UserSyncConfig

	Admission *admission.Config
	Cache     *cache.Config
	Targeting *targeting.Config
	Dispatch  *dispatch.Config
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout:   auction.DefaultTimeout,
		TimeoutBuffer:    400 * time.Millisecond,
		RetainedAuctions: 100,
		UserSync:         auction.UserSyncConfig{Delay: 3 * time.Second},
		Admission:        admission.DefaultConfig(),
		Cache:            cache.DefaultConfig(),
		Targeting:        targeting.DefaultConfig(),
		Dispatch:         dispatch.DefaultConfig(),
	}
}

// Deps are the collaborators the exchange cannot build on its own. All are optional.
type Deps struct {
	// Registry defaults to adapters.DefaultRegistry
	Registry *adapters.Registry
	Dynamic  dispatch.Catalog
	// Store is the external cache used for video bids. Without one video bids are not cached.
	Store    cache.Store
	Settings *targeting.Registry

	Listeners         []auction.Listener
	AdmissionObserver admission.Observer
	CacheObserver     cache.Observer
}

// New creates an exchange
func New(config *Config, deps Deps) *Exchange {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	defaults := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.RetainedAuctions <= 0 {
		cfg.RetainedAuctions = defaults.RetainedAuctions
	}
	if cfg.Admission == nil {
		cfg.Admission = defaults.Admission
	}
	if cfg.Cache == nil {
		cfg.Cache = defaults.Cache
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = defaults.Dispatch
	}
	tc := defaults.Targeting
	if cfg.Targeting != nil {
		c := *cfg.Targeting
		tc = &c
	}
	if tc.CacheURL == "" && deps.Store != nil {
		tc.CacheURL = cfg.Cache.URL
	}
	cfg.Targeting = tc

	ctrl := admission.New(cfg.Admission)
	if deps.AdmissionObserver != nil {
		ctrl.SetObserver(deps.AdmissionObserver)
	}
	batcher := cache.NewBatcher(deps.Store, cfg.Cache)
	if deps.CacheObserver != nil {
		batcher.SetObserver(deps.CacheObserver)
	}

	d := dispatch.New(deps.Registry, ctrl, cfg.Dispatch)
	if deps.Dynamic != nil {
		d.SetDynamicRegistry(deps.Dynamic)
	}

	var listener auction.Listener = auction.NopListener{}
	if len(deps.Listeners) > 0 {
		listener = auction.Listeners(deps.Listeners)
	}

	return &Exchange{
		config:     &cfg,
		admission:  ctrl,
		batcher:    batcher,
		normalizer: targeting.NewNormalizer(tc, deps.Settings),
		dispatcher: d,
		listener:   listener,
		recent:     make(map[string]*auction.Auction),
	}
}

// Admission returns the shared admission controller
func (e *Exchange) Admission() *admission.Controller {
	return e.admission
}

// Close flushes pending cache batches and waits for background provider notifications
func (e *Exchange) Close() error {
	e.batcher.Flush()
	e.dispatcher.Wait()
	return nil
}

// AuctionRequest contains auction parameters
type AuctionRequest struct {
	AuctionID   string
	AdUnits     []*auction.AdUnit
	AdUnitCodes []string
	Timeout     time.Duration
	Labels      []string
	OnComplete  auction.CompleteFunc
}

// AuctionResponse contains auction results
type AuctionResponse struct {
	AuctionID       string                  `json:"auctionId"`
	TimedOut        bool                    `json:"timedOut"`
	AdUnits         []*auction.AdUnitResult `json:"adUnits"`
	TimedOutBidders []string                `json:"timedOutBidders,omitempty"`
	Latency         time.Duration           `json:"latency"`
}

// RunAuction starts an auction and returns its handle. The auction outlives ctx: only its
// own deadline ends it.
func (e *Exchange) RunAuction(ctx context.Context, req *AuctionRequest) *auction.Handle {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	a := auction.New(&auction.Config{
		AuctionID:        req.AuctionID,
		AdUnits:          req.AdUnits,
		AdUnitCodes:      req.AdUnitCodes,
		Timeout:          timeout,
		TimeoutBuffer:    e.config.TimeoutBuffer,
		Labels:           req.Labels,
		OnComplete:       req.OnComplete,
		SecondaryBidders: e.config.SecondaryBidders,
		UserSync:         e.config.UserSync,
	}, auction.Deps{
		Dispatcher: e.dispatcher,
		Normalizer: e.normalizer,
		Pipeline:   e.batcher,
		Listener:   e.listener,
	})
	e.retain(a)

	return a.Start(context.WithoutCancel(ctx))
}

// Run starts an auction and blocks until it completes or ctx is done
func (e *Exchange) Run(ctx context.Context, req *AuctionRequest) (*AuctionResponse, error) {
	var resp *AuctionResponse
	ready := make(chan struct{})
	start := time.Now()

	r := *req
	onComplete := req.OnComplete
	r.OnComplete = func(results map[string]*auction.AdUnitResult, timedOut bool, auctionID string) {
		resp = buildResponse(auctionID, results, timedOut, time.Since(start))
		close(ready)
		if onComplete != nil {
			onComplete(results, timedOut, auctionID)
		}
	}

	h := e.RunAuction(ctx, &r)
	select {
	case <-ready:
		order := h.State().AdUnitCodes
		sortAdUnits(resp.AdUnits, order)
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func buildResponse(auctionID string, results map[string]*auction.AdUnitResult, timedOut bool, latency time.Duration) *AuctionResponse {
	resp := &AuctionResponse{
		AuctionID: auctionID,
		TimedOut:  timedOut,
		AdUnits:   make([]*auction.AdUnitResult, 0, len(results)),
		Latency:   latency,
	}
	seen := make(map[string]bool)
	for _, r := range results {
		resp.AdUnits = append(resp.AdUnits, r)
		for _, b := range r.Bids {
			if b.Status == bid.StatusTimedOut && !seen[b.BidderCode] {
				seen[b.BidderCode] = true
				resp.TimedOutBidders = append(resp.TimedOutBidders, b.BidderCode)
			}
		}
	}
	sort.Strings(resp.TimedOutBidders)
	return resp
}

// sortAdUnits orders results by ad unit code order
func sortAdUnits(units []*auction.AdUnitResult, order []string) {
	pos := make(map[string]int, len(order))
	for i, code := range order {
		pos[code] = i
	}
	sort.SliceStable(units, func(i, j int) bool {
		return pos[units[i].Code] < pos[units[j].Code]
	})
}

func (e *Exchange) retain(a *auction.Auction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.recent[a.ID()] = a
	e.order = append(e.order, a.ID())
	for len(e.order) > e.config.RetainedAuctions {
		evicted := e.order[0]
		e.order = e.order[1:]
		delete(e.recent, evicted)
		logger.Log.Debug().Str("auctionId", evicted).Msg("auction evicted from registry")
	}
}

// Auction returns a recent auction by id
func (e *Exchange) Auction(id string) (*auction.Auction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.recent[id]
	return a, ok
}

// Status is a summary of the exchange for health checks
type Status struct {
	Auctions     int  `json:"auctions"`
	Running      int  `json:"running"`
	QueueDepth   int  `json:"queueDepth"`
	MaxPerOrigin int  `json:"maxRequestsPerOrigin"`
	CacheEnabled bool `json:"cacheEnabled"`
}

// Status returns the current summary
func (e *Exchange) Status() Status {
	e.mu.Lock()
	s := Status{Auctions: len(e.recent)}
	for _, a := range e.recent {
		if a.Status() != auction.StatusCompleted {
			s.Running++
		}
	}
	e.mu.Unlock()

	s.QueueDepth = e.admission.QueueLen()
	s.MaxPerOrigin = e.admission.MaxPerOrigin()
	s.CacheEnabled = e.batcher.Enabled()
	return s
}
