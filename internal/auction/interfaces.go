package auction

import (
	"context"
	"time"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/cache"
)

// Sink receives the output of dispatched groups. Handle implements it.
type Sink interface {
	AddResponse(adUnitCode string, raw *bid.Raw, last Last)
	ProviderStarted(providerID string)
	ProviderDone(providerID string)
	// Done is closed once the auction has completed
	Done() <-chan struct{}
}

// Dispatcher builds and sends the requests of an auction
type Dispatcher interface {
	// MakeGroups returns one group per provider call
	MakeGroups(auctionID string, adUnits []*AdUnit, timeout time.Duration) []*Group
	// Call sends the groups. It must not block on provider responses. Every group
	// must eventually be reported through sink.ProviderDone, by group id or provider id.
	// Provider ids shared by several groups are matched to those groups in order.
	Call(ctx context.Context, groups []*Group, sink Sink)
}

// TimeoutNotifier is implemented by dispatchers that tell providers about timed out bids
type TimeoutNotifier interface {
	NotifyTimeout(timedOut []*bid.Bid, timeout time.Duration)
}

// UserSyncer is implemented by dispatchers that run user syncs after an auction
type UserSyncer interface {
	SyncUsers(delay time.Duration, providers []string)
}

// WinNotifier is implemented by dispatchers that tell providers about won bids
type WinNotifier interface {
	NotifyWin(b *bid.Bid)
}

// TargetingNotifier is implemented by dispatchers that tell providers when targeting is set
type TargetingNotifier interface {
	NotifyTargeting(b *bid.Bid)
}

// Normalizer turns raw responses into canonical bids
type Normalizer interface {
	Normalize(raw *bid.Raw, adUnitCode, auctionID string, requestStart time.Time, mt *bid.MediaTypes) *bid.Bid
	ComputeTargeting(b *bid.Bid, mt *bid.MediaTypes) map[string]string
}

// Pipeline defers bids through an external store before acceptance
type Pipeline interface {
	Route(b *bid.Bid, mt *bid.MediaTypes) cache.Route
	Enqueue(b *bid.Bid, done cache.Done)
}

// Deps are the collaborators of an auction. Dispatcher and Normalizer are required.
type Deps struct {
	Dispatcher Dispatcher
	Normalizer Normalizer
	Pipeline   Pipeline
	Listener   Listener
}
