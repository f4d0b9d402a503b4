package targeting

import (
	"sync"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
)

// AdjustFunc rewrites the cpm of a bid. Negative results are ignored.
type AdjustFunc func(cpm float64, b *bid.Bid) float64

// KeyValue is one targeting rule. Value computes the value from the bid.
type KeyValue struct {
	Key   string
	Value func(b *bid.Bid) string
}

// Static returns a rule with a constant value
func Static(key, value string) KeyValue {
	return KeyValue{Key: key, Value: func(*bid.Bid) string { return value }}
}

// BidderSettings holds per-bidder targeting and pricing rules
type BidderSettings struct {
	// Multiplier scales the cpm when Adjust is not set. Zero means no adjustment.
	Multiplier float64
	Adjust     AdjustFunc

	AllowZeroCPM          bool
	SendStandardTargeting *bool
	SuppressEmptyKeys     bool

	// Targeting replaces or adds individual keys on top of the standard set
	Targeting []KeyValue
}

// StandardBidder is the registry entry that applies to every bidder without its own value
const StandardBidder = "standard"

// Registry stores bidder settings. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	bidders map[string]*BidderSettings
}

// NewRegistry creates an empty settings registry
func NewRegistry() *Registry {
	return &Registry{bidders: make(map[string]*BidderSettings)}
}

// Set registers settings for a bidder code, or for StandardBidder
func (r *Registry) Set(bidderCode string, s *BidderSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s == nil {
		delete(r.bidders, bidderCode)
		return
	}
	r.bidders[bidderCode] = s
}

// Get returns the settings registered for a bidder code, or nil
func (r *Registry) Get(bidderCode string) *BidderSettings {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bidders[bidderCode]
}

// Standard returns the settings that apply to all bidders, or nil
func (r *Registry) Standard() *BidderSettings {
	return r.Get(StandardBidder)
}

// AllowZeroCPM reports whether zero cpm bids of the bidder receive targeting
func (r *Registry) AllowZeroCPM(bidderCode string) bool {
	if s := r.Get(bidderCode); s != nil && s.AllowZeroCPM {
		return true
	}
	if s := r.Standard(); s != nil {
		return s.AllowZeroCPM
	}
	return false
}

// SendStandardTargeting reports whether the standard keys of the bidder's bids go to the ad server
func (r *Registry) SendStandardTargeting(bidderCode string) bool {
	if s := r.Get(bidderCode); s != nil && s.SendStandardTargeting != nil {
		return *s.SendStandardTargeting
	}
	return true
}

// adjustment finds the cpm adjustment for a bidder, falling back to the standard entry
func (r *Registry) adjustment(bidderCode string) (AdjustFunc, float64) {
	for _, s := range []*BidderSettings{r.Get(bidderCode), r.Standard()} {
		if s == nil {
			continue
		}
		if s.Adjust != nil {
			return s.Adjust, 0
		}
		if s.Multiplier > 0 {
			return nil, s.Multiplier
		}
	}
	return nil, 0
}
