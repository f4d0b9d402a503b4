package auction

import (
	"sync"
	"time"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/cache"
)

// orphanChain collects responses that cannot be attributed to a group
const orphanChain = ""

// chain tracks the in-flight responses of one group. Guarded by aggregator.mu.
type chain struct {
	pending int
	waiters []chan struct{}
}

func (c *chain) add() {
	c.pending++
}

func (c *chain) done() {
	if c.pending > 0 {
		c.pending--
	}
	if c.pending == 0 {
		for _, w := range c.waiters {
			close(w)
		}
		c.waiters = nil
	}
}

// idle returns a channel closed once the chain has no pending responses, or nil if it is idle now
func (c *chain) idle() <-chan struct{} {
	if c == nil || c.pending == 0 {
		return nil
	}
	w := make(chan struct{})
	c.waiters = append(c.waiters, w)
	return w
}

// aggregator tracks outstanding response processing and group completion for one auction
type aggregator struct {
	a *Auction

	mu          sync.Mutex
	outstanding int
	done        map[string]bool
	chains      map[string]*chain
	lastSeen    map[string]Last
	allDone     bool
	settled     bool
}

func newAggregator(a *Auction) *aggregator {
	return &aggregator{
		a:        a,
		done:     make(map[string]bool),
		chains:   make(map[string]*chain),
		lastSeen: make(map[string]Last),
	}
}

func (g *aggregator) chainLocked(groupID string) *chain {
	c, ok := g.chains[groupID]
	if !ok {
		c = &chain{}
		g.chains[groupID] = c
	}
	return c
}

// handleResponse normalizes a raw response and accepts it, possibly after the cache pipeline
func (g *aggregator) handleResponse(adUnitCode string, raw *bid.Raw, last Last) {
	var slotID string
	if raw != nil {
		slotID = raw.RequestSlotID
	}
	slot, grp, start := g.a.lookupSlot(slotID)

	g.mu.Lock()
	if slotID != "" {
		if last == LastUnknown {
			last = g.lastSeen[slotID]
		} else {
			g.lastSeen[slotID] = last
		}
	}
	groupID := orphanChain
	if grp != nil {
		groupID = grp.ID
	}
	c := g.chainLocked(groupID)
	c.add()
	g.outstanding++
	g.mu.Unlock()

	var mt *bid.MediaTypes
	if slot != nil {
		mt = slot.MediaTypes
		if adUnitCode == "" {
			adUnitCode = slot.AdUnitCode
		}
	}

	b := g.a.deps.Normalizer.Normalize(raw, adUnitCode, g.a.id, start, mt)
	if grp != nil && b.Source == bid.SourceClient && grp.Source != "" {
		b.Source = grp.Source
	}

	route := cache.RouteAccept
	if g.a.deps.Pipeline != nil {
		route = g.a.deps.Pipeline.Route(b, mt)
	}

	switch route {
	case cache.RouteCache:
		g.a.deps.Pipeline.Enqueue(b, func(accepted bool) {
			defer g.afterBidAdded(c)
			if accepted {
				g.accept(b, mt, last)
			} else {
				g.a.discard(b)
			}
		})
	case cache.RouteReject:
		defer g.afterBidAdded(c)
		g.a.discard(b)
	default:
		defer g.afterBidAdded(c)
		g.accept(b, mt, last)
	}
}

// accept computes targeting, records the bid and ends the auction if a last response arrived past the buffer
func (g *aggregator) accept(b *bid.Bid, mt *bid.MediaTypes, last Last) {
	g.a.guarded("targeting", func() { g.a.deps.Normalizer.ComputeTargeting(b, mt) })
	g.a.RecordBid(b)

	// an unknown flag counts as last
	if last != NotLast && b.TimeToRespond > g.a.config.Timeout+g.a.config.TimeoutBuffer {
		g.a.log.Info().
			Str("bidder", b.BidderCode).
			Dur("time_to_respond", b.TimeToRespond).
			Msg("auction timed out, by bid response")
		g.a.finalize(true, true)
	}
}

func (g *aggregator) afterBidAdded(c *chain) {
	g.mu.Lock()
	g.outstanding--
	c.done()
	ready := g.allDone && g.outstanding == 0 && !g.settled
	if ready {
		g.settled = true
	}
	g.mu.Unlock()

	if ready {
		g.a.auctionDone()
	}
}

// groupFinished waits for the group's responses to settle, bounded by the time left, then finishes it
func (g *aggregator) groupFinished(grp *Group, deadline time.Time) {
	g.mu.Lock()
	orphan := g.chains[orphanChain].idle()
	own := g.chains[grp.ID].idle()
	g.mu.Unlock()

	remaining := time.Until(deadline)
	if (orphan == nil && own == nil) || remaining <= 0 {
		g.finishGroup(grp)
		return
	}

	go func() {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		for _, w := range []<-chan struct{}{orphan, own} {
			if w == nil {
				continue
			}
			select {
			case <-w:
			case <-timer.C:
				g.finishGroup(grp)
				return
			case <-g.a.ended:
				g.finishGroup(grp)
				return
			}
		}
		g.finishGroup(grp)
	}()
}

func (g *aggregator) finishGroup(grp *Group) {
	g.a.ProviderFinished(grp.ID)

	g.mu.Lock()
	g.done[grp.ID] = true
	g.allDone = g.a.allGroupsDone(g.done)
	ready := g.allDone && g.outstanding == 0 && !g.settled
	if ready {
		g.settled = true
	}
	g.mu.Unlock()

	if ready {
		g.a.auctionDone()
	}
}

// pending returns the number of responses still being processed
func (g *aggregator) pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}
