package auction

import (
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
)

// Handle is the view of an auction given to dispatchers and callers
type Handle struct {
	a *Auction
}

// AuctionID returns the id of the auction
func (h *Handle) AuctionID() string {
	return h.a.id
}

// Auction returns the underlying auction
func (h *Handle) Auction() *Auction {
	return h.a
}

// AddResponse delivers one provider response. last reports whether it is the final
// response of its group, LastUnknown when the transport lost the flag.
func (h *Handle) AddResponse(adUnitCode string, raw *bid.Raw, last Last) {
	h.a.agg.handleResponse(adUnitCode, raw, last)
}

// ProviderStarted records the time a provider call was actually sent
func (h *Handle) ProviderStarted(providerID string) {
	h.a.providerStarted(providerID)
}

// ProviderDone reports that a provider call returned. providerID may also be a group id.
func (h *Handle) ProviderDone(providerID string) {
	grp, deadline, ok := h.a.groupFor(providerID)
	if !ok {
		h.a.log.Warn().Str("bidder", providerID).Msg("done reported for unknown provider")
		return
	}
	h.a.agg.groupFinished(grp, deadline)
}

// State returns a snapshot of the auction
func (h *Handle) State() Snapshot {
	return h.a.Snapshot()
}

// Done is closed after the completion callback and post auction housekeeping have run
func (h *Handle) Done() <-chan struct{} {
	return h.a.done
}

// Ended is closed as soon as the auction starts finalizing
func (h *Handle) Ended() <-chan struct{} {
	return h.a.ended
}
