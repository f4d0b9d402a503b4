package bid

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Price is a provider supplied cpm. Providers send it either as a JSON number or a string.
type Price string

// UnmarshalJSON accepts quoted and unquoted values
func (p *Price) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*p = ""
		return nil
	}
	*p = Price(strings.Trim(s, `"`))
	return nil
}

// Float parses the price. Empty, non-numeric, negative and non-finite values are rejected.
func (p Price) Float() (float64, bool) {
	if p == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(p)), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}

// PriceOf formats a float as a Price
func PriceOf(v float64) Price {
	return Price(strconv.FormatFloat(v, 'f', -1, 64))
}

// Raw is a response as delivered by the dispatch layer, before normalization
type Raw struct {
	RequestSlotID string            `json:"requestId"`
	BidderCode    string            `json:"bidderCode"`
	Source        string            `json:"source,omitempty"`
	NoBid         bool              `json:"noBid,omitempty"`
	CPM           Price             `json:"cpm"`
	Currency      string            `json:"currency,omitempty"`
	MediaType     MediaType         `json:"mediaType,omitempty"`
	Width         int               `json:"width,omitempty"`
	Height        int               `json:"height,omitempty"`
	DealID        string            `json:"dealId,omitempty"`
	CreativeID    string            `json:"creativeId,omitempty"`
	NetRevenue    bool              `json:"netRevenue,omitempty"`
	TTLSeconds    int               `json:"ttl,omitempty"`
	Ad            string            `json:"ad,omitempty"`
	VastXML       string            `json:"vastXml,omitempty"`
	VastURL       string            `json:"vastUrl,omitempty"`
	CacheKey      string            `json:"videoCacheKey,omitempty"`
	Meta          Meta              `json:"meta,omitempty"`
	Native        map[string]string `json:"native,omitempty"`
	Targeting     map[string]string `json:"adserverTargeting,omitempty"`

	// RequestTimestamp is used when the dispatch group start is unknown
	RequestTimestamp time.Time `json:"requestTimestamp,omitempty"`
}

// Malformed reports whether required fields are missing
func (r *Raw) Malformed() bool {
	if r == nil || r.RequestSlotID == "" || r.BidderCode == "" {
		return true
	}
	if r.NoBid {
		return false
	}
	_, ok := r.CPM.Float()
	return !ok
}
