// Package dispatch builds the provider calls of an auction and sends them through admission
package dispatch

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/admission"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/auction"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
)

// Config holds dispatcher configuration
type Config struct {
	// NotifyTimeout bounds timeout, win and targeting notifications
	NotifyTimeout time.Duration
	// SyncTimeout bounds each user sync
	SyncTimeout time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		NotifyTimeout: time.Second,
		SyncTimeout:   5 * time.Second,
	}
}

// Catalog resolves bidder codes to adapters
type Catalog interface {
	Get(bidderCode string) (adapters.AdapterWithInfo, bool)
}

// Dispatcher implements auction.Dispatcher on top of the adapter registries
type Dispatcher struct {
	registry  *adapters.Registry
	dynamic   Catalog
	admission *admission.Controller
	config    *Config
	log       zerolog.Logger

	// background notifications and syncs
	wg sync.WaitGroup
}

// New creates a dispatcher. A nil controller admits every group.
func New(registry *adapters.Registry, ctrl *admission.Controller, config *Config) *Dispatcher {
	if registry == nil {
		registry = adapters.DefaultRegistry
	}
	if ctrl == nil {
		ctrl = admission.New(nil)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = time.Second
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 5 * time.Second
	}
	return &Dispatcher{
		registry:  registry,
		admission: ctrl,
		config:    config,
		log:       logger.Component("dispatch"),
	}
}

// SetDynamicRegistry sets the catalog consulted after the static registry
func (d *Dispatcher) SetDynamicRegistry(c Catalog) {
	d.dynamic = c
}

// Admission returns the shared admission controller
func (d *Dispatcher) Admission() *admission.Controller {
	return d.admission
}

// lookup tries the static registry first, then the dynamic one
func (d *Dispatcher) lookup(bidderCode string) (adapters.AdapterWithInfo, bool) {
	if awi, ok := d.registry.Get(bidderCode); ok {
		return awi, true
	}
	if d.dynamic != nil {
		return d.dynamic.Get(bidderCode)
	}
	return adapters.AdapterWithInfo{}, false
}

// MakeGroups creates one group per bidder configured on the ad units, in order of first appearance
func (d *Dispatcher) MakeGroups(auctionID string, adUnits []*auction.AdUnit, timeout time.Duration) []*auction.Group {
	byBidder := make(map[string]*auction.Group)
	var groups []*auction.Group

	for _, unit := range adUnits {
		if unit == nil {
			continue
		}
		for _, ub := range unit.Bids {
			awi, ok := d.lookup(ub.Bidder)
			if !ok {
				d.log.Warn().Str("bidder", ub.Bidder).Str("adUnit", unit.Code).Msg("bidder is not registered")
				continue
			}
			if !awi.Info.Enabled {
				d.log.Debug().Str("bidder", ub.Bidder).Msg("bidder is disabled")
				continue
			}

			g, ok := byBidder[ub.Bidder]
			if !ok {
				g = &auction.Group{
					ID:         uuid.NewString(),
					AuctionID:  auctionID,
					ProviderID: ub.Bidder,
					Source:     bid.SourceClient,
					Origin:     origin(ub.Bidder, awi.Info),
					Timeout:    timeout,
					Secondary:  awi.Info.Secondary,
				}
				byBidder[ub.Bidder] = g
				groups = append(groups, g)
			}
			g.Slots = append(g.Slots, &auction.Slot{
				ID:         uuid.NewString(),
				AdUnitCode: unit.Code,
				Sizes:      unit.MediaTypes.Sizes(),
				MediaTypes: unit.MediaTypes,
				Params:     ub.Params,
			})
		}
	}
	return groups
}

// origin returns the capacity accounting key of a bidder
func origin(bidderCode string, info adapters.BidderInfo) string {
	if info.Origin != "" {
		return info.Origin
	}
	if info.Endpoint != "" {
		if u, err := url.Parse(info.Endpoint); err == nil && u.Host != "" {
			return u.Scheme + "://" + u.Host
		}
	}
	return bidderCode
}

// Call submits every group to admission. Groups run on their own goroutine once admitted.
// Groups still queued when the auction completes are withdrawn.
func (d *Dispatcher) Call(ctx context.Context, groups []*auction.Group, sink auction.Sink) {
	queued := false
	var owner string

	for _, g := range groups {
		g := g
		awi, ok := d.lookup(g.ProviderID)
		if !ok {
			d.log.Warn().Str("bidder", g.ProviderID).Msg("bidder disappeared before dispatch")
			sink.ProviderDone(g.ProviderID)
			continue
		}
		owner = g.AuctionID

		req := admission.Request{
			Source: g.Source,
			Origin: g.Origin,
			Slots:  len(g.Slots),
			Owner:  g.AuctionID,
		}
		if g.Source == bid.SourceClient {
			req.Source = g.ProviderID
		}
		admitted := d.admission.Submit(req, func(t *admission.Ticket) {
			go d.run(ctx, g, awi.Adapter, sink, t)
		})
		if !admitted {
			queued = true
		}
	}

	if queued {
		go func() {
			<-sink.Done()
			if n := d.admission.Withdraw(owner); n > 0 {
				d.log.Debug().Str("auction", owner).Int("withdrawn", n).Msg("withdrew queued dispatch")
			}
		}()
	}
}

// run performs one group call and always reports it done
func (d *Dispatcher) run(ctx context.Context, g *auction.Group, a adapters.Adapter, sink auction.Sink, t *admission.Ticket) {
	// capacity is returned before the auction hears the group is done
	defer sink.ProviderDone(g.ProviderID)
	defer t.Release()

	log := logger.Group(g.AuctionID, g.ProviderID, g.ID)
	select {
	case <-sink.Done():
		log.Debug().Msg("auction completed before dispatch")
		return
	default:
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("bidder adapter panicked")
		}
	}()

	sink.ProviderStarted(g.ProviderID)
	start := time.Now()

	callCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	resp := newResponder(g, sink, t)
	err := a.RequestBids(callCtx, toRequest(g, start), resp)
	resp.finish()

	if err != nil {
		log.Warn().Err(err).Dur("latency", time.Since(start)).Msg("bidder request failed")
		return
	}
	log.Debug().Int("bids", resp.count).Dur("latency", time.Since(start)).Msg("bidder responded")
}

func toRequest(g *auction.Group, start time.Time) *adapters.Request {
	req := &adapters.Request{
		AuctionID:  g.AuctionID,
		GroupID:    g.ID,
		BidderCode: g.ProviderID,
		Timeout:    g.Timeout,
		Start:      start,
		Slots:      make([]*adapters.Slot, len(g.Slots)),
	}
	for i, s := range g.Slots {
		req.Slots[i] = &adapters.Slot{
			RequestSlotID: s.ID,
			AdUnitCode:    s.AdUnitCode,
			Sizes:         s.Sizes,
			MediaTypes:    s.MediaTypes,
			Params:        s.Params,
		}
	}
	return req
}

// responder forwards adapter output to the auction. It holds the latest response back
// so the final one can be delivered with the last flag set.
type responder struct {
	group  *auction.Group
	sink   auction.Sink
	ticket *admission.Ticket

	mu    sync.Mutex
	held  *heldResponse
	count int
}

type heldResponse struct {
	code string
	raw  *bid.Raw
}

func newResponder(g *auction.Group, sink auction.Sink, t *admission.Ticket) *responder {
	return &responder{group: g, sink: sink, ticket: t}
}

// Respond queues raw and releases the previously held response
func (r *responder) Respond(adUnitCode string, raw *bid.Raw) {
	if raw == nil {
		return
	}
	if raw.BidderCode == "" {
		raw.BidderCode = r.group.ProviderID
	}
	if raw.Source == "" {
		raw.Source = r.group.Source
	}

	r.mu.Lock()
	prev := r.held
	r.held = &heldResponse{code: adUnitCode, raw: raw}
	r.count++
	r.mu.Unlock()

	if prev != nil {
		r.sink.AddResponse(prev.code, prev.raw, auction.NotLast)
	}
}

// Request records an outbound request against admission
func (r *responder) Request() {
	r.ticket.Request()
}

// finish delivers the held response as the last one
func (r *responder) finish() {
	r.mu.Lock()
	last := r.held
	r.held = nil
	r.mu.Unlock()

	if last != nil {
		r.sink.AddResponse(last.code, last.raw, auction.IsLast)
	}
}

// NotifyTimeout tells each bidder about its timed out bids
func (d *Dispatcher) NotifyTimeout(timedOut []*bid.Bid, timeout time.Duration) {
	byBidder := make(map[string][]*bid.Bid)
	var order []string
	for _, b := range timedOut {
		if _, ok := byBidder[b.BidderCode]; !ok {
			order = append(order, b.BidderCode)
		}
		byBidder[b.BidderCode] = append(byBidder[b.BidderCode], b)
	}

	for _, code := range order {
		awi, ok := d.lookup(code)
		if !ok {
			continue
		}
		h, ok := awi.Adapter.(adapters.TimeoutHandler)
		if !ok {
			continue
		}
		bids := byBidder[code]
		d.background(code, d.config.NotifyTimeout, func(ctx context.Context) { h.OnTimeout(ctx, bids) })
	}
}

// SyncUsers runs the user sync of every listed bidder after delay
func (d *Dispatcher) SyncUsers(delay time.Duration, providers []string) {
	var handlers []adapters.UserSyncHandler
	var codes []string
	for _, code := range providers {
		awi, ok := d.lookup(code)
		if !ok {
			continue
		}
		if h, ok := awi.Adapter.(adapters.UserSyncHandler); ok {
			handlers = append(handlers, h)
			codes = append(codes, code)
		}
	}
	if len(handlers) == 0 {
		return
	}

	d.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer d.wg.Done()
		for i, h := range handlers {
			i, h := i, h
			d.background(codes[i], d.config.SyncTimeout, func(ctx context.Context) {
				if err := h.SyncUser(ctx); err != nil {
					log := logger.Bidder(codes[i])
					log.Warn().Err(err).Msg("user sync failed")
				}
			})
		}
	})
}

// NotifyWin tells the bidder of b that it won
func (d *Dispatcher) NotifyWin(b *bid.Bid) {
	awi, ok := d.lookup(b.BidderCode)
	if !ok {
		return
	}
	if h, ok := awi.Adapter.(adapters.WinHandler); ok {
		d.background(b.BidderCode, d.config.NotifyTimeout, func(ctx context.Context) { h.OnBidWon(ctx, b) })
	}
}

// NotifyTargeting tells the bidder of b that its targeting was set
func (d *Dispatcher) NotifyTargeting(b *bid.Bid) {
	awi, ok := d.lookup(b.BidderCode)
	if !ok {
		return
	}
	if h, ok := awi.Adapter.(adapters.TargetingHandler); ok {
		d.background(b.BidderCode, d.config.NotifyTimeout, func(ctx context.Context) { h.OnSetTargeting(ctx, b) })
	}
}

// background runs fn on its own goroutine with a bounded context
func (d *Dispatcher) background(bidderCode string, timeout time.Duration, fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log := logger.Bidder(bidderCode)
				log.Error().Interface("panic", r).Msg("bidder notification panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until background notifications and scheduled syncs have finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
