// Package admission throttles dispatch groups per origin and queues the overflow
package admission

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
)

// DefaultMaxRequestsPerOrigin is the per-origin capacity used when none is configured
const DefaultMaxRequestsPerOrigin = 21

// Config holds admission configuration
type Config struct {
	MaxRequestsPerOrigin int
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{MaxRequestsPerOrigin: DefaultMaxRequestsPerOrigin}
}

// Request describes a dispatch group asking for capacity
type Request struct {
	// Source is the bidder code, or "s2s" for server side groups
	Source string
	Origin string
	Slots  int
	// Owner identifies the auction the group belongs to
	Owner string
}

// Observer receives ledger changes. Implementations must not call back into the controller.
type Observer interface {
	Admitted(origin string, outstanding int)
	Queued(origin string, depth int)
	Released(origin string, outstanding int)
}

type sourceInfo struct {
	single bool
	origin string
}

type pending struct {
	req Request
	run func(*Ticket)
}

// Controller owns the origin capacity ledger and the queue of deferred groups.
// One controller is shared by every auction of the process.
type Controller struct {
	mu          sync.Mutex
	max         int
	outstanding map[string]int
	sources     map[string]*sourceInfo
	queue       []*pending
	observer    Observer
	log         zerolog.Logger
}

// New creates a controller
func New(config *Config) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	max := config.MaxRequestsPerOrigin
	if max <= 0 {
		max = DefaultMaxRequestsPerOrigin
	}
	return &Controller{
		max:         max,
		outstanding: make(map[string]int),
		sources:     make(map[string]*sourceInfo),
		log:         logger.Component("admission"),
	}
}

// SetObserver registers an observer for ledger changes
func (c *Controller) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// MaxPerOrigin returns the configured capacity
func (c *Controller) MaxPerOrigin() int {
	return c.max
}

// Submit runs the group immediately when its origin has capacity and reports true.
// Otherwise the group is queued behind earlier submissions and Submit reports false.
// run is always invoked outside the controller lock.
func (c *Controller) Submit(req Request, run func(*Ticket)) bool {
	c.mu.Lock()
	t, ok := c.admitLocked(req)
	if !ok {
		c.queue = append(c.queue, &pending{req: req, run: run})
		depth := len(c.queue)
		obs := c.observer
		c.mu.Unlock()

		c.log.Warn().
			Str("source", req.Source).
			Str("origin", req.Origin).
			Int("queue_depth", depth).
			Msg("queueing dispatch due to limited endpoint capacity")
		if obs != nil {
			obs.Queued(req.Origin, depth)
		}
		return false
	}
	c.mu.Unlock()

	run(t)
	return true
}

// admitLocked reserves capacity for req if the origin allows it
func (c *Controller) admitLocked(req Request) (*Ticket, bool) {
	cost := c.costLocked(req)
	if c.outstanding[req.Origin]+cost > c.max {
		return nil, false
	}
	c.outstanding[req.Origin] += cost
	if _, known := c.sources[req.Source]; !known {
		c.sources[req.Source] = &sourceInfo{single: true, origin: req.Origin}
	}
	if c.observer != nil {
		c.observer.Admitted(req.Origin, c.outstanding[req.Origin])
	}
	return &Ticket{c: c, req: req, cost: cost}, true
}

// costLocked is the number of requests reserved for a group. Sources seen making more than
// one request per auction reserve one per slot, capped at the origin maximum.
func (c *Controller) costLocked(req Request) int {
	info, ok := c.sources[req.Source]
	if !ok || info.single {
		return 1
	}
	slots := req.Slots
	if slots < 1 {
		slots = 1
	}
	if slots > c.max {
		return c.max
	}
	return slots
}

// Release returns the ticket's reservation to its origin and then tries the head of the queue.
// Releasing a ticket twice has no effect.
func (c *Controller) Release(t *Ticket) {
	if t == nil {
		return
	}

	c.mu.Lock()
	if t.released {
		c.mu.Unlock()
		return
	}
	t.released = true

	origin := t.req.Origin
	c.outstanding[origin] -= t.cost
	if c.outstanding[origin] < 0 {
		c.log.Warn().Str("origin", origin).Msg("outstanding request count below zero, resetting")
		c.outstanding[origin] = 0
	}
	outstanding := c.outstanding[origin]
	if c.observer != nil {
		c.observer.Released(origin, outstanding)
	}

	var next *pending
	var nextTicket *Ticket
	if len(c.queue) > 0 {
		if nt, ok := c.admitLocked(c.queue[0].req); ok {
			next, nextTicket = c.queue[0], nt
			c.queue[0] = nil
			c.queue = c.queue[1:]
		}
	}
	c.mu.Unlock()

	if next != nil {
		c.log.Debug().
			Str("source", next.req.Source).
			Str("origin", next.req.Origin).
			Msg("running queued dispatch")
		next.run(nextTicket)
	}
}

// Withdraw drops every queued group owned by owner and returns how many were removed
func (c *Controller) Withdraw(owner string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.queue[:0]
	removed := 0
	for _, p := range c.queue {
		if p.req.Owner == owner {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(c.queue); i++ {
		c.queue[i] = nil
	}
	c.queue = kept
	return removed
}

// MarkMultiRequest records that source issues more than one request per auction
func (c *Controller) MarkMultiRequest(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.sources[source]
	if !ok {
		info = &sourceInfo{}
		c.sources[source] = info
	}
	if info.single {
		c.log.Debug().Str("source", source).Msg("source uses multiple requests per auction")
	}
	info.single = false
}

// SingleRequest reports whether source is known to use one request per auction.
// Unknown sources report true.
func (c *Controller) SingleRequest(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.sources[source]
	return !ok || info.single
}

// Outstanding returns the reserved request count of an origin
func (c *Controller) Outstanding(origin string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding[origin]
}

// QueueLen returns the number of queued groups
func (c *Controller) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Ticket is the capacity reservation of one admitted group
type Ticket struct {
	c        *Controller
	req      Request
	cost     int
	released bool

	mu       sync.Mutex
	requests int
}

// Source returns the source the ticket was issued for
func (t *Ticket) Source() string {
	return t.req.Source
}

// Origin returns the origin the ticket was issued for
func (t *Ticket) Origin() string {
	return t.req.Origin
}

// Cost returns the number of requests reserved
func (t *Ticket) Cost() int {
	return t.cost
}

// Request records one outbound request made under the ticket. A second request
// marks the source as using multiple requests per auction.
func (t *Ticket) Request() {
	t.mu.Lock()
	t.requests++
	n := t.requests
	t.mu.Unlock()
	if n == 2 {
		t.c.MarkMultiRequest(t.req.Source)
	}
}

// Release returns the reservation. It is equivalent to Controller.Release(t).
func (t *Ticket) Release() {
	t.c.Release(t)
}
