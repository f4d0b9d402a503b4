// Package targeting turns raw provider responses into priced, targeted bids
package targeting

import (
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
)

// PriceGranularity selects a bucket table. Buckets is only read for custom granularity.
type PriceGranularity struct {
	Name    Granularity   `json:"name"`
	Buckets *BucketConfig `json:"buckets,omitempty"`
}

// Config holds normalization and targeting configuration
type Config struct {
	PriceGranularity PriceGranularity
	// MediaTypePriceGranularity overrides the granularity per media type.
	// Video placements are looked up as "video-<context>" before "video".
	MediaTypePriceGranularity map[string]PriceGranularity
	GranularityMultiplier     float64
	Keys                      Keys

	// CacheURL is the external cache endpoint. It enables the cache host key.
	CacheURL string
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		PriceGranularity:      PriceGranularity{Name: GranularityMedium},
		GranularityMultiplier: 1,
		Keys:                  DefaultKeys(),
	}
}

// Normalizer converts raw responses into canonical bids
type Normalizer struct {
	config   *Config
	keys     Keys
	settings *Registry
	log      zerolog.Logger
	now      func() time.Time
}

// NewNormalizer creates a normalizer. A nil settings registry is treated as empty.
func NewNormalizer(config *Config, settings *Registry) *Normalizer {
	if config == nil {
		config = DefaultConfig()
	}
	if settings == nil {
		settings = NewRegistry()
	}
	return &Normalizer{
		config:   config,
		keys:     config.Keys.withDefaults(),
		settings: settings,
		log:      logger.Component("targeting"),
		now:      time.Now,
	}
}

// Settings returns the bidder settings registry
func (n *Normalizer) Settings() *Registry {
	return n.settings
}

// CacheURL returns the configured external cache URL
func (n *Normalizer) CacheURL() string {
	return n.config.CacheURL
}

// Normalize builds the canonical bid for raw. requestStart is the start time of the
// dispatch group that owns the slot. Malformed responses become zero cpm, unavailable bids.
func (n *Normalizer) Normalize(raw *bid.Raw, adUnitCode, auctionID string, requestStart time.Time, mt *bid.MediaTypes) *bid.Bid {
	now := n.now()
	if raw == nil {
		raw = &bid.Raw{}
	}

	status := bid.StatusAvailable
	if raw.NoBid || raw.Malformed() {
		status = bid.StatusEmptyOrError
	}

	b := bid.New(status, bid.Identifiers{
		Source:        raw.Source,
		BidderCode:    raw.BidderCode,
		RequestSlotID: raw.RequestSlotID,
		AdUnitCode:    adUnitCode,
		AuctionID:     auctionID,
	})

	if cpm, ok := raw.CPM.Float(); ok && status == bid.StatusAvailable {
		b.CPM = cpm
	}
	b.OriginalCPM = b.CPM
	b.Currency = raw.Currency
	if raw.MediaType != "" {
		b.MediaType = raw.MediaType
	}
	b.Width, b.Height = raw.Width, raw.Height
	b.DealID = raw.DealID
	b.CreativeID = raw.CreativeID
	b.NetRevenue = raw.NetRevenue
	if raw.TTLSeconds > 0 {
		b.TTLSeconds = raw.TTLSeconds
	}
	b.Ad = raw.Ad
	b.VastXML = raw.VastXML
	b.VastURL = raw.VastURL
	b.CacheKey = raw.CacheKey
	b.Meta = raw.Meta
	if len(raw.Meta.AdvertiserDomains) > 0 {
		b.Meta.AdvertiserDomains = append([]string(nil), raw.Meta.AdvertiserDomains...)
	}
	b.Native = copyMap(raw.Native)
	b.Targeting = copyMap(raw.Targeting)

	b.ResponseTimestamp = now
	b.RequestTimestamp = requestStart
	if b.RequestTimestamp.IsZero() {
		b.RequestTimestamp = raw.RequestTimestamp
	}
	if !b.RequestTimestamp.IsZero() && now.After(b.RequestTimestamp) {
		b.TimeToRespond = now.Sub(b.RequestTimestamp)
	}

	if status == bid.StatusAvailable {
		n.Adjust(b)
	}

	pg := n.granularityFor(b, mt)
	custom := pg.Buckets
	if custom == nil {
		custom = n.config.PriceGranularity.Buckets
	}
	b.PriceBuckets = PriceBuckets(b.CPM, custom, n.config.GranularityMultiplier)

	return b
}

// Adjust applies the bidder's cpm adjustment. A panicking or negative adjustment leaves the cpm unchanged.
func (n *Normalizer) Adjust(b *bid.Bid) {
	fn, multiplier := n.settings.adjustment(b.BidderCode)
	switch {
	case fn != nil:
		adjusted, ok := n.callAdjust(fn, b)
		if ok && adjusted >= 0 && !math.IsNaN(adjusted) && !math.IsInf(adjusted, 0) {
			b.CPM = adjusted
		}
	case multiplier > 0:
		adjusted, _ := decimal.NewFromFloat(b.CPM).Mul(decimal.NewFromFloat(multiplier)).Float64()
		b.CPM = adjusted
	}
}

func (n *Normalizer) callAdjust(fn AdjustFunc, b *bid.Bid) (v float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error().
				Str("bidder", b.BidderCode).
				Interface("panic", r).
				Msg("Error during bid adjustment")
			ok = false
		}
	}()
	return fn(b.CPM, b), true
}

// granularityFor resolves the price granularity for the bid's media type
func (n *Normalizer) granularityFor(b *bid.Bid, mt *bid.MediaTypes) PriceGranularity {
	overrides := n.config.MediaTypePriceGranularity
	if len(overrides) > 0 {
		if b.MediaType == bid.MediaTypeVideo {
			if pg, ok := overrides[string(bid.MediaTypeVideo)+"-"+mt.VideoContext()]; ok {
				return pg
			}
		}
		if pg, ok := overrides[string(b.MediaType)]; ok {
			return pg
		}
	}
	return n.config.PriceGranularity
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
