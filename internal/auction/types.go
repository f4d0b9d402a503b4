package auction

import (
	"encoding/json"
	"time"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
)

// Status is the lifecycle state of an auction. It only moves forward.
type Status int

const (
	StatusStarted Status = iota
	StatusInProgress
	StatusCompleted
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusInProgress:
		return "inProgress"
	case StatusCompleted:
		return "completed"
	}
	return "unknown"
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Last is the "last response of the group" flag delivered with a response.
// Relay layers may drop it, so unknown is a distinct value.
type Last int

const (
	LastUnknown Last = iota
	NotLast
	IsLast
)

// LastOf converts a delivered flag
func LastOf(last bool) Last {
	if last {
		return IsLast
	}
	return NotLast
}

// AdUnitBid is one bidder configured on an ad unit
type AdUnitBid struct {
	Bidder string          `json:"bidder"`
	Params json.RawMessage `json:"params,omitempty"`
}

// AdUnit is a named ad slot
type AdUnit struct {
	Code       string          `json:"code"`
	MediaTypes *bid.MediaTypes `json:"mediaTypes,omitempty"`
	Bids       []AdUnitBid     `json:"bids"`
}

// Slot is the unit of expectation: one ad unit and bidder combination awaiting at most one accepted response
type Slot struct {
	ID         string          `json:"bidId"`
	AdUnitCode string          `json:"adUnitCode"`
	Sizes      [][2]int        `json:"sizes,omitempty"`
	MediaTypes *bid.MediaTypes `json:"mediaTypes,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// Group is one logical call to a provider
type Group struct {
	ID         string  `json:"bidderRequestId"`
	AuctionID  string  `json:"auctionId"`
	ProviderID string  `json:"bidderCode"`
	Source     string  `json:"src"`
	Origin     string  `json:"origin"`
	Slots      []*Slot `json:"bids"`
	// Timeout bounds the group below the auction timeout when set
	Timeout   time.Duration `json:"timeout,omitempty"`
	Secondary bool          `json:"secondary,omitempty"`
}

// AdUnitResult is the grouped view of one ad unit: one record per request slot, in slot order
type AdUnitResult struct {
	Code string     `json:"code"`
	Bids []*bid.Bid `json:"bids"`
}

// Available returns the records that carry a usable bid
func (r *AdUnitResult) Available() []*bid.Bid {
	var out []*bid.Bid
	for _, b := range r.Bids {
		if b.Available() {
			out = append(out, b)
		}
	}
	return out
}

// GroupState is the diagnostic view of a dispatch group
type GroupState struct {
	ID         string    `json:"bidderRequestId"`
	ProviderID string    `json:"bidderCode"`
	Origin     string    `json:"origin"`
	Slots      []string  `json:"bidIds"`
	Start      time.Time `json:"start"`
	Deadline   time.Time `json:"deadline"`
	Finished   bool      `json:"finished"`
	FinishedAt time.Time `json:"doneTime,omitempty"`
}

// Snapshot is the full state of an auction for diagnostics
type Snapshot struct {
	AuctionID       string        `json:"auctionId"`
	Status          Status        `json:"auctionStatus"`
	Start           time.Time     `json:"timestamp"`
	End             time.Time     `json:"auctionEnd,omitempty"`
	Timeout         time.Duration `json:"timeout"`
	TimedOut        bool          `json:"timedOut"`
	AdUnits         []*AdUnit     `json:"adUnits"`
	AdUnitCodes     []string      `json:"adUnitCodes"`
	Labels          []string      `json:"labels,omitempty"`
	Groups          []GroupState  `json:"bidderRequests"`
	BidsReceived    []*bid.Bid    `json:"bidsReceived"`
	NoBids          []*bid.Bid    `json:"noBids"`
	WinningBids     []*bid.Bid    `json:"winningBids"`
	TimelyProviders []string      `json:"timelyBidders"`
	// Late holds responses that arrived after completion, or replaced an earlier record
	Late []*bid.Bid `json:"lateBids,omitempty"`
}

// UserSyncConfig controls the sync step run after completion
type UserSyncConfig struct {
	Delay time.Duration
	// Override disables the automatic sync
	Override bool
}

// CompleteFunc receives the results of an auction exactly once
type CompleteFunc func(results map[string]*AdUnitResult, timedOut bool, auctionID string)

// Config describes one auction
type Config struct {
	// AuctionID is generated when empty
	AuctionID   string
	AdUnits     []*AdUnit
	AdUnitCodes []string
	Timeout     time.Duration
	// TimeoutBuffer is the slack after Timeout before a late last response ends the auction
	TimeoutBuffer    time.Duration
	Labels           []string
	OnComplete       CompleteFunc
	SecondaryBidders []string
	UserSync         UserSyncConfig
}
