// Package debug implements a simulated bidder for development and load testing
package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
)

// BidderCode is the code the simulated bidder registers under
const BidderCode = "_debugger"

const defaultCPM = 20.0

// PriceParams control the price of a simulated bid
type PriceParams struct {
	// Price is used as is when set
	Price *float64 `json:"price,omitempty"`
	// PriceBase and PriceRange draw a uniform price in [base, base+range)
	PriceBase  *float64 `json:"priceBase,omitempty"`
	PriceRange float64  `json:"priceRange,omitempty"`
	// ResponseRate is the probability of answering, zero means always
	ResponseRate float64 `json:"responseRate,omitempty"`
	NoBid        bool    `json:"noBid,omitempty"`
	// Ad is appended to the generated creative
	Ad string `json:"ad,omitempty"`
}

// Params are the bidder params of one slot
type Params struct {
	PriceParams
	BidTTL *int `json:"bidTTL,omitempty"`
	// BidSizes restricts the sizes the bidder answers for. An empty list never answers.
	BidSizes [][2]int `json:"bidSizes,omitempty"`
	// MatchBidSize requires a single BidSizes entry to be one of the slot sizes
	MatchBidSize bool `json:"matchBidSize,omitempty"`
	// BidPriceSize overrides the price params per WxH size
	BidPriceSize map[string]*PriceParams `json:"bidPriceSize,omitempty"`
	// Latency delays the response, in milliseconds
	Latency int `json:"latency,omitempty"`
}

// Adapter implements the simulated bidder
type Adapter struct {
	random   func() float64
	creative atomic.Int64
	log      zerolog.Logger
}

// New creates a new simulated bidder
func New() *Adapter {
	return &Adapter{
		random: rand.Float64,
		log:    logger.Bidder(BidderCode),
	}
}

// RequestBids answers every slot of the request from its params
func (a *Adapter) RequestBids(ctx context.Context, req *adapters.Request, resp adapters.Responder) error {
	resp.Request()

	type answer struct {
		code string
		raw  *bid.Raw
	}
	var answers []answer
	latency := 0

	for _, slot := range req.Slots {
		var p Params
		if len(slot.Params) > 0 {
			if err := json.Unmarshal(slot.Params, &p); err != nil {
				a.log.Warn().Err(err).Str("adUnit", slot.AdUnitCode).Msg("invalid debug bidder params")
				continue
			}
		}
		if p.Latency > latency {
			latency = p.Latency
		}

		size, ok := a.pickSize(slot, &p)
		if !ok {
			continue
		}
		answers = append(answers, answer{slot.AdUnitCode, a.makeBid(req.BidderCode, slot, &p, size)})
	}

	if latency > 0 {
		timer := time.NewTimer(time.Duration(latency) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, ans := range answers {
		resp.Respond(ans.code, ans.raw)
	}
	return nil
}

// pickSize decides whether the slot is answered and with which size
func (a *Adapter) pickSize(slot *adapters.Slot, p *Params) ([2]int, bool) {
	if p.skip(a.random) {
		return [2]int{}, false
	}

	if p.BidSizes != nil {
		switch len(p.BidSizes) {
		case 0:
			return [2]int{}, false
		case 1:
			size := p.BidSizes[0]
			if p.MatchBidSize && !containsSize(slot.Sizes, size) {
				return [2]int{}, false
			}
			return size, true
		default:
			var common [][2]int
			for _, s := range slot.Sizes {
				if containsSize(p.BidSizes, s) {
					common = append(common, s)
				}
			}
			if len(common) == 0 {
				return [2]int{}, false
			}
			return common[a.index(len(common))], true
		}
	}

	if len(slot.Sizes) == 0 {
		a.log.Debug().Str("adUnit", slot.AdUnitCode).Msg("slot has no sizes")
		return [2]int{}, false
	}
	return slot.Sizes[a.index(len(slot.Sizes))], true
}

func (a *Adapter) makeBid(bidderCode string, slot *adapters.Slot, p *Params, size [2]int) *bid.Raw {
	if bidderCode == "" {
		bidderCode = BidderCode
	}
	sizeKey := fmt.Sprintf("%dx%d", size[0], size[1])
	price := &p.PriceParams
	if pp, ok := p.BidPriceSize[sizeKey]; ok && pp != nil {
		price = pp
		if price.skip(a.random) {
			return &bid.Raw{RequestSlotID: slot.RequestSlotID, BidderCode: bidderCode, NoBid: true}
		}
	}

	cpm := defaultCPM
	switch {
	case price.Price != nil && *price.Price >= 0:
		cpm = *price.Price
	case price.PriceBase != nil && *price.PriceBase >= 0 && price.PriceRange > 0:
		cpm = *price.PriceBase + a.random()*price.PriceRange
	}

	ttl := bid.DefaultTTLSeconds
	if p.BidTTL != nil {
		ttl = *p.BidTTL
	}

	ad := fmt.Sprintf(`<div id="bid_id_%s" title="%s" style="width:%dpx;height:%dpx;background-color:rgba(237,237,237,0.8);border:1px solid black;">DEBUG AD (%s, cpm: %.2f)</div>`,
		slot.RequestSlotID, bidderCode, size[0], size[1], sizeKey, round2(cpm))
	if price.Ad != "" {
		ad += price.Ad
	} else if p.Ad != "" {
		ad += p.Ad
	}

	return &bid.Raw{
		RequestSlotID: slot.RequestSlotID,
		BidderCode:    bidderCode,
		CPM:           bid.PriceOf(cpm),
		Currency:      "USD",
		MediaType:     bid.MediaTypeBanner,
		Width:         size[0],
		Height:        size[1],
		CreativeID:    strconv.FormatInt(a.creative.Add(1), 10),
		NetRevenue:    true,
		TTLSeconds:    ttl,
		Ad:            ad,
	}
}

// skip reports whether the params decline to answer
func (p *PriceParams) skip(random func() float64) bool {
	if p.NoBid {
		return true
	}
	return p.ResponseRate > 0 && 1-p.ResponseRate >= random()
}

func (a *Adapter) index(n int) int {
	i := int(math.Round(a.random() * float64(n-1)))
	if i >= n {
		i = n - 1
	}
	return i
}

func containsSize(sizes [][2]int, size [2]int) bool {
	for _, s := range sizes {
		if s == size {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// OnTimeout logs timed out bids
func (a *Adapter) OnTimeout(ctx context.Context, timedOut []*bid.Bid) {
	a.log.Debug().Int("bids", len(timedOut)).Msg("debug bidder timed out")
}

// OnBidWon logs won bids
func (a *Adapter) OnBidWon(ctx context.Context, b *bid.Bid) {
	a.log.Debug().Str("adId", b.AdID).Float64("cpm", b.CPM).Msg("debug bid won")
}

// OnSetTargeting logs targeting notifications
func (a *Adapter) OnSetTargeting(ctx context.Context, b *bid.Bid) {
	a.log.Debug().Str("adId", b.AdID).Msg("debug bid targeting set")
}

// Info returns bidder information
func Info() adapters.BidderInfo {
	return adapters.BidderInfo{
		Enabled: true,
		Origin:  "debug.local",
	}
}

func init() {
	adapters.RegisterAdapter(BidderCode, New(), Info())
}
