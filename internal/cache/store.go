package cache

import (
	"context"
	"errors"
	"strings"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
)

var (
	// ErrKeyRejected is returned for an item whose key the store refused, typically because it is in use
	ErrKeyRejected = errors.New("cache key was already in use, caching attempt was rejected")
	// ErrNoStore is used when a bid is routed to the pipeline without a configured store
	ErrNoStore = errors.New("no cache store configured")
)

// Result is the outcome of storing one bid
type Result struct {
	Key string
	Err error
}

// Store persists a list of bids in one call. On success it returns one result per bid, in order.
// A non-nil error fails every bid of the call.
type Store interface {
	Store(ctx context.Context, bids []*bid.Bid) ([]Result, error)
}

// StoreFunc adapts a function to the Store interface
type StoreFunc func(ctx context.Context, bids []*bid.Bid) ([]Result, error)

// Store calls f
func (f StoreFunc) Store(ctx context.Context, bids []*bid.Bid) ([]Result, error) {
	return f(ctx, bids)
}

// VastValue returns the VAST document stored for a bid. Bids with only a VAST url are wrapped.
func VastValue(b *bid.Bid) string {
	if b.VastXML != "" {
		return b.VastXML
	}
	return wrapURI(b.VastURL)
}

func wrapURI(uri string) string {
	var sb strings.Builder
	sb.WriteString(`<VAST version="3.0"><Ad><Wrapper><AdSystem>prebid.org wrapper</AdSystem><VASTAdTagURI><![CDATA[`)
	sb.WriteString(uri)
	sb.WriteString(`]]></VASTAdTagURI><Impression></Impression><Creatives></Creatives></Wrapper></Ad></VAST>`)
	return sb.String()
}
