package auction

import "github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"

// Listener observes auction events. Calls are made outside the auction lock, in event order.
// A listener must not call mutating methods of the auction it observes.
type Listener interface {
	AuctionInit(s Snapshot)
	BidResponse(b *bid.Bid)
	NoBid(b *bid.Bid)
	AdUnitComplete(auctionID string, r *AdUnitResult)
	AdUnitUpdated(auctionID string, r *AdUnitResult)
	BidTimeout(auctionID string, timedOut []*bid.Bid)
	AuctionEnd(s Snapshot)
	BidWon(b *bid.Bid)
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) AuctionInit(Snapshot) {}
func (NopListener) BidResponse(*bid.Bid) {}
func (NopListener) NoBid(*bid.Bid) {}
func (NopListener) AdUnitComplete(string, *AdUnitResult) {}
func (NopListener) AdUnitUpdated(string, *AdUnitResult) {}
func (NopListener) BidTimeout(string, []*bid.Bid) {}
func (NopListener) AuctionEnd(Snapshot) {}
func (NopListener) BidWon(*bid.Bid) {}

// Listeners fans events out to several listeners
type Listeners []Listener

func (ls Listeners) AuctionInit(s Snapshot) {
	for _, l := range ls {
		l.AuctionInit(s)
	}
}

func (ls Listeners) BidResponse(b *bid.Bid) {
	for _, l := range ls {
		l.BidResponse(b)
	}
}

func (ls Listeners) NoBid(b *bid.Bid) {
	for _, l := range ls {
		l.NoBid(b)
	}
}

func (ls Listeners) AdUnitComplete(auctionID string, r *AdUnitResult) {
	for _, l := range ls {
		l.AdUnitComplete(auctionID, r)
	}
}

func (ls Listeners) AdUnitUpdated(auctionID string, r *AdUnitResult) {
	for _, l := range ls {
		l.AdUnitUpdated(auctionID, r)
	}
}

func (ls Listeners) BidTimeout(auctionID string, timedOut []*bid.Bid) {
	for _, l := range ls {
		l.BidTimeout(auctionID, timedOut)
	}
}

func (ls Listeners) AuctionEnd(s Snapshot) {
	for _, l := range ls {
		l.AuctionEnd(s)
	}
}

func (ls Listeners) BidWon(b *bid.Bid) {
	for _, l := range ls {
		l.BidWon(b)
	}
}

// event is a deferred listener call collected under the auction lock
type event func(l Listener)
