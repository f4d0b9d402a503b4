// Package bid defines the canonical bid record shared by every stage of an auction
package bid

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultTTLSeconds is applied when a response does not carry its own ttl
const DefaultTTLSeconds = 300

// Status represents the outcome of a single request slot
type Status int

const (
	StatusPending Status = iota
	StatusAvailable
	StatusEmptyOrError
	StatusTimedOut
)

// String returns the human readable status message
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusAvailable:
		return "Bid available"
	case StatusEmptyOrError:
		return "Bid returned empty or error response"
	case StatusTimedOut:
		return "Bid timed out"
	}
	return "Unknown"
}

// MediaType represents the creative format of a bid
type MediaType string

const (
	MediaTypeBanner MediaType = "banner"
	MediaTypeVideo  MediaType = "video"
	MediaTypeNative MediaType = "native"
	MediaTypeAudio  MediaType = "audio"
)

// Source values for Bid.Source
const (
	SourceClient = "client"
	SourceS2S    = "s2s"
)

// PriceBuckets holds the price bucket string for every granularity
type PriceBuckets struct {
	Low    string `json:"pbLg"`
	Medium string `json:"pbMg"`
	High   string `json:"pbHg"`
	Auto   string `json:"pbAg"`
	Dense  string `json:"pbDg"`
	Custom string `json:"pbCg"`
}

// Meta contains advertiser metadata attached by the provider
type Meta struct {
	AdvertiserDomains []string `json:"advertiserDomains,omitempty"`
	NetworkName       string   `json:"networkName,omitempty"`
	BrandName         string   `json:"brandName,omitempty"`
}

// Identifiers locate a bid inside an auction
type Identifiers struct {
	Source        string
	BidderCode    string
	RequestSlotID string
	AdUnitCode    string
	AuctionID     string
}

// Bid is the canonical record of one response, or of a synthesized non-response
type Bid struct {
	RequestSlotID string    `json:"requestId"`
	AdUnitCode    string    `json:"adUnitCode"`
	AuctionID     string    `json:"auctionId"`
	BidderCode    string    `json:"bidderCode"`
	AdID          string    `json:"adId"`
	Source        string    `json:"source"`
	Status        Status    `json:"statusCode"`
	CPM           float64   `json:"cpm"`
	OriginalCPM   float64   `json:"originalCpm,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	MediaType     MediaType `json:"mediaType"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	DealID        string    `json:"dealId,omitempty"`
	CreativeID    string    `json:"creativeId,omitempty"`
	NetRevenue    bool      `json:"netRevenue,omitempty"`
	TTLSeconds    int       `json:"ttl"`
	Ad            string    `json:"ad,omitempty"`
	VastXML       string    `json:"vastXml,omitempty"`
	VastURL       string    `json:"vastUrl,omitempty"`
	Meta          Meta      `json:"meta"`

	// Native holds native asset values keyed by their targeting key
	Native map[string]string `json:"native,omitempty"`

	RequestTimestamp  time.Time     `json:"requestTimestamp"`
	ResponseTimestamp time.Time     `json:"responseTimestamp"`
	TimeToRespond     time.Duration `json:"timeToRespond"`

	PriceBuckets PriceBuckets      `json:"priceBuckets"`
	Targeting    map[string]string `json:"adserverTargeting,omitempty"`

	SendStandardTargeting *bool `json:"sendStandardTargeting,omitempty"`

	CacheKey string `json:"videoCacheKey,omitempty"`
	CacheURL string `json:"cacheUrl,omitempty"`

	// Synthesized is set on records created by the auction for slots without a usable response
	Synthesized bool `json:"synthesized,omitempty"`
}

// New creates a bid with the given status for the identified slot
func New(status Status, ids Identifiers) *Bid {
	src := ids.Source
	if src == "" {
		src = SourceClient
	}
	return &Bid{
		RequestSlotID: ids.RequestSlotID,
		AdUnitCode:    ids.AdUnitCode,
		AuctionID:     ids.AuctionID,
		BidderCode:    ids.BidderCode,
		AdID:          NewAdID(),
		Source:        src,
		Status:        status,
		MediaType:     MediaTypeBanner,
		TTLSeconds:    DefaultTTLSeconds,
	}
}

// Synthesize creates a non-response record for a slot that has no usable bid
func Synthesize(status Status, ids Identifiers, requested, now time.Time) *Bid {
	b := New(status, ids)
	b.Synthesized = true
	b.RequestTimestamp = requested
	b.ResponseTimestamp = now
	if !requested.IsZero() && now.After(requested) {
		b.TimeToRespond = now.Sub(requested)
	}
	return b
}

// NewAdID returns a fresh unique ad identifier
func NewAdID() string {
	return uuid.NewString()
}

// Identifiers returns the locating identifiers of the bid
func (b *Bid) Identifiers() Identifiers {
	return Identifiers{
		Source:        b.Source,
		BidderCode:    b.BidderCode,
		RequestSlotID: b.RequestSlotID,
		AdUnitCode:    b.AdUnitCode,
		AuctionID:     b.AuctionID,
	}
}

// Size returns the creative size as WxH
func (b *Bid) Size() string {
	return strconv.Itoa(b.Width) + "x" + strconv.Itoa(b.Height)
}

// Available reports whether the bid carries a usable response
func (b *Bid) Available() bool {
	return b.Status == StatusAvailable
}

// Expired reports whether the bid can no longer be used at now, keeping buffer in reserve
func (b *Bid) Expired(now time.Time, buffer time.Duration) bool {
	if !b.Available() {
		return true
	}
	ttl := time.Duration(b.TTLSeconds) * time.Second
	return b.ResponseTimestamp.Add(ttl).Before(now.Add(buffer))
}

// Clone returns a copy whose maps can be modified independently
func (b *Bid) Clone() *Bid {
	c := *b
	if b.Targeting != nil {
		c.Targeting = make(map[string]string, len(b.Targeting))
		for k, v := range b.Targeting {
			c.Targeting[k] = v
		}
	}
	if b.Native != nil {
		c.Native = make(map[string]string, len(b.Native))
		for k, v := range b.Native {
			c.Native[k] = v
		}
	}
	if len(b.Meta.AdvertiserDomains) > 0 {
		c.Meta.AdvertiserDomains = append([]string(nil), b.Meta.AdvertiserDomains...)
	}
	return &c
}
