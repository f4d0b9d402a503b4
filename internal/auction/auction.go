// Package auction coordinates a single auction: dispatch, slot bookkeeping,
// the deadline and the terminal completion callback.
package auction

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
)

// DefaultTimeout is used when the auction config has no timeout
const DefaultTimeout = 1000 * time.Millisecond

type groupState struct {
	g          *Group
	start      time.Time
	deadline   time.Time
	finished   bool
	finishedAt time.Time
	secondary  bool
	// reported is set once ProviderDone named this group
	reported bool
}

type slotState struct {
	slot  *Slot
	group *groupState
	bid   *bid.Bid
}

type adUnitState struct {
	code      string
	slots     []*slotState
	completed bool
	revision  int
	emitted   int
}

// Auction owns the state of one auction. It is safe for concurrent use.
type Auction struct {
	id       string
	config   Config
	deps     Deps
	listener Listener
	agg      *aggregator
	handle   *Handle
	log      zerolog.Logger

	mu     sync.Mutex
	emitMu sync.Mutex

	status   Status
	start    time.Time
	end      time.Time
	timer    *time.Timer
	timedOut bool

	units      []*adUnitState
	unitByCode map[string]*adUnitState
	slots      map[string]*slotState
	groups     []*groupState
	groupByID  map[string]*groupState
	byProvider map[string][]*groupState

	received []*bid.Bid
	noBids   []*bid.Bid
	winning  []*bid.Bid
	late     []*bid.Bid
	timely   map[string]bool

	finalized bool
	ended     chan struct{}
	done      chan struct{}
}

// New creates an auction in the started state. Nothing is dispatched until Start.
func New(config *Config, deps Deps) *Auction {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	id := cfg.AuctionID
	if id == "" {
		id = uuid.NewString()
	}
	if len(cfg.AdUnitCodes) == 0 {
		for _, u := range cfg.AdUnits {
			cfg.AdUnitCodes = append(cfg.AdUnitCodes, u.Code)
		}
	}

	listener := deps.Listener
	if listener == nil {
		listener = NopListener{}
	}

	a := &Auction{
		id:         id,
		config:     cfg,
		deps:       deps,
		listener:   listener,
		log:        logger.Auction(id),
		status:     StatusStarted,
		unitByCode: make(map[string]*adUnitState),
		slots:      make(map[string]*slotState),
		groupByID:  make(map[string]*groupState),
		byProvider: make(map[string][]*groupState),
		timely:     make(map[string]bool),
		ended:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	a.agg = newAggregator(a)
	a.handle = &Handle{a: a}

	for _, u := range cfg.AdUnits {
		a.unitLocked(u.Code)
	}
	for _, code := range cfg.AdUnitCodes {
		a.unitLocked(code)
	}
	return a
}

// ID returns the auction id
func (a *Auction) ID() string {
	return a.id
}

// Handle returns the handle used by dispatchers and callers
func (a *Auction) Handle() *Handle {
	return a.handle
}

func (a *Auction) unitLocked(code string) *adUnitState {
	u, ok := a.unitByCode[code]
	if !ok {
		u = &adUnitState{code: code}
		a.unitByCode[code] = u
		a.units = append(a.units, u)
	}
	return u
}

// Start dispatches the auction and arms the deadline timer
func (a *Auction) Start(ctx context.Context) *Handle {
	a.mu.Lock()
	if a.status != StatusStarted {
		a.mu.Unlock()
		a.log.Warn().Str("status", a.status.String()).Msg("auction already started")
		return a.handle
	}
	a.status = StatusInProgress
	a.start = time.Now()

	groups := a.deps.Dispatcher.MakeGroups(a.id, a.config.AdUnits, a.config.Timeout)
	a.registerGroupsLocked(groups)
	a.timer = time.AfterFunc(a.config.Timeout, func() { a.finalize(true, true) })

	snap := a.snapshotLocked()
	evs := []event{func(l Listener) { l.AuctionInit(snap) }}

	// ad units nobody bids on complete right away
	for _, u := range a.units {
		if len(u.slots) == 0 {
			evs = append(evs, a.evaluateLocked(u)...)
		}
	}
	a.unlockAndEmit(evs)

	a.log.Info().
		Int("groups", len(groups)).
		Dur("timeout", a.config.Timeout).
		Msg("auction started")

	if len(groups) == 0 {
		a.log.Warn().Msg("No valid bid requests returned for auction")
		a.auctionDone()
		return a.handle
	}

	a.deps.Dispatcher.Call(ctx, groups, a.handle)
	return a.handle
}

func (a *Auction) registerGroupsLocked(groups []*Group) {
	secondary := make(map[string]bool, len(a.config.SecondaryBidders))
	for _, s := range a.config.SecondaryBidders {
		secondary[s] = true
	}

	for _, g := range groups {
		if g == nil {
			continue
		}
		if g.ID == "" {
			g.ID = uuid.NewString()
		}
		if g.AuctionID == "" {
			g.AuctionID = a.id
		}
		timeout := a.config.Timeout
		if g.Timeout > 0 && g.Timeout < timeout {
			timeout = g.Timeout
		}
		gs := &groupState{
			g:         g,
			start:     a.start,
			deadline:  a.start.Add(timeout),
			secondary: g.Secondary || secondary[g.ProviderID],
		}
		a.groups = append(a.groups, gs)
		a.groupByID[g.ID] = gs
		if len(a.byProvider[g.ProviderID]) > 0 {
			a.log.Warn().Str("bidder", g.ProviderID).Msg("several groups for one provider, done signals are matched in order")
		}
		a.byProvider[g.ProviderID] = append(a.byProvider[g.ProviderID], gs)

		for _, s := range g.Slots {
			if s.ID == "" {
				s.ID = uuid.NewString()
			}
			ss := &slotState{slot: s, group: gs}
			a.slots[s.ID] = ss
			u := a.unitLocked(s.AdUnitCode)
			u.slots = append(u.slots, ss)
		}
	}
}

// lookupSlot returns the slot, its group and the group start time
func (a *Auction) lookupSlot(slotID string) (*Slot, *Group, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ss, ok := a.slots[slotID]
	if !ok {
		return nil, nil, time.Time{}
	}
	return ss.slot, ss.group.g, ss.group.start
}

// groupFor finds the group a done signal is for, by group id or by provider id.
// A provider with several groups is matched to its first group not yet reported.
func (a *Auction) groupFor(id string) (*Group, time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	gs, ok := a.groupByID[id]
	if !ok {
		gs, ok = a.providerGroupLocked(id, func(gs *groupState) bool { return !gs.reported })
	}
	if !ok {
		return nil, time.Time{}, false
	}
	gs.reported = true
	return gs.g, gs.deadline, true
}

// providerGroupLocked returns the first group of provider id matching keep,
// or the last group when none matches
func (a *Auction) providerGroupLocked(id string, keep func(*groupState) bool) (*groupState, bool) {
	list := a.byProvider[id]
	if len(list) == 0 {
		return nil, false
	}
	for _, gs := range list {
		if keep(gs) {
			return gs, true
		}
	}
	return list[len(list)-1], true
}

func (a *Auction) providerStarted(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	gs, ok := a.groupByID[id]
	if !ok {
		gs, ok = a.providerGroupLocked(id, func(gs *groupState) bool { return !gs.finished })
	}
	if ok && !gs.finished {
		gs.start = time.Now()
	}
}

// allGroupsDone reports whether every primary group is in done. Secondary groups only
// count when the auction has nothing else.
func (a *Auction) allGroupsDone(done map[string]bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	primary := 0
	for _, gs := range a.groups {
		if !gs.secondary {
			primary++
		}
	}
	for _, gs := range a.groups {
		if primary > 0 && gs.secondary {
			continue
		}
		if !done[gs.g.ID] {
			return false
		}
	}
	return true
}

// RecordBid stores b as the record of its request slot and re-evaluates the owning ad unit.
// An existing record is replaced and moved to the audit list. After completion b is only audited.
func (a *Auction) RecordBid(b *bid.Bid) {
	a.mu.Lock()
	ss, ok := a.slots[b.RequestSlotID]
	if !ok {
		a.late = append(a.late, b)
		a.mu.Unlock()
		a.log.Warn().
			Str("bidder", b.BidderCode).
			Str("requestId", b.RequestSlotID).
			Msg("response does not match any request slot")
		return
	}

	evs := []event{func(l Listener) { l.BidResponse(b) }}
	u := a.unitByCode[ss.slot.AdUnitCode]
	u.revision++

	// the result handed to the callback is final, late bids are only audited
	if a.finalized {
		a.late = append(a.late, b)
		a.log.Debug().Str("bidder", b.BidderCode).Msg("late response recorded after auction end")
		evs = append(evs, a.evaluateLocked(u)...)
		a.unlockAndEmit(evs)
		return
	}

	if prev := ss.bid; prev != nil {
		a.late = append(a.late, prev)
		a.received = without(a.received, prev)
		a.noBids = without(a.noBids, prev)
	}
	ss.bid = b
	a.received = append(a.received, b)

	evs = append(evs, a.evaluateLocked(u)...)
	a.unlockAndEmit(evs)
}

func without(list []*bid.Bid, b *bid.Bid) []*bid.Bid {
	for i, x := range list {
		if x == b {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// discard settles the slot of a bid the pipeline refused with an empty record
func (a *Auction) discard(b *bid.Bid) {
	a.mu.Lock()
	ss, ok := a.slots[b.RequestSlotID]
	if !ok || ss.bid != nil || a.finalized {
		a.mu.Unlock()
		return
	}
	nb := bid.Synthesize(bid.StatusEmptyOrError, b.Identifiers(), ss.group.start, time.Now())
	evs := a.settleLocked(ss, nb)
	u := a.unitByCode[ss.slot.AdUnitCode]
	evs = append(evs, a.evaluateLocked(u)...)
	a.unlockAndEmit(evs)
}

// settleLocked stores a synthesized record for an empty slot
func (a *Auction) settleLocked(ss *slotState, nb *bid.Bid) []event {
	ss.bid = nb
	a.noBids = append(a.noBids, nb)
	a.unitByCode[ss.slot.AdUnitCode].revision++
	if nb.Status == bid.StatusEmptyOrError {
		return []event{func(l Listener) { l.NoBid(nb) }}
	}
	return nil
}

// synthesizeLocked creates the record for an unanswered slot
func (a *Auction) synthesizeLocked(ss *slotState, status bid.Status, now time.Time) *bid.Bid {
	return bid.Synthesize(status, bid.Identifiers{
		Source:        ss.group.g.Source,
		BidderCode:    ss.group.g.ProviderID,
		RequestSlotID: ss.slot.ID,
		AdUnitCode:    ss.slot.AdUnitCode,
		AuctionID:     a.id,
	}, ss.group.start, now)
}

// ProviderFinished marks a group finished and settles its unanswered slots,
// as empty when the group finished in time and as timed out otherwise.
func (a *Auction) ProviderFinished(groupID string) {
	a.mu.Lock()
	gs, ok := a.groupByID[groupID]
	if !ok || gs.finished {
		a.mu.Unlock()
		return
	}
	now := time.Now()
	gs.finished = true
	gs.finishedAt = now
	inTime := !now.After(gs.deadline)
	if a.finalized {
		a.mu.Unlock()
		return
	}
	if inTime {
		a.timely[gs.g.ProviderID] = true
	}

	status := bid.StatusEmptyOrError
	if !inTime {
		status = bid.StatusTimedOut
	}

	var evs []event
	touched := make(map[string]bool)
	for _, s := range gs.g.Slots {
		ss := a.slots[s.ID]
		if ss.bid != nil {
			continue
		}
		evs = append(evs, a.settleLocked(ss, a.synthesizeLocked(ss, status, now))...)
		touched[s.AdUnitCode] = true
	}
	for _, s := range gs.g.Slots {
		if touched[s.AdUnitCode] {
			delete(touched, s.AdUnitCode)
			evs = append(evs, a.evaluateLocked(a.unitByCode[s.AdUnitCode])...)
		}
	}
	a.unlockAndEmit(evs)
}

// evaluateLocked recomputes completeness of an ad unit
func (a *Auction) evaluateLocked(u *adUnitState) []event {
	settled := 0
	for _, ss := range u.slots {
		if ss.bid != nil {
			settled++
		}
	}
	if settled < len(u.slots) {
		a.log.Debug().
			Str("adUnit", u.code).
			Int("settled", settled).
			Int("expected", len(u.slots)).
			Msg("ad unit not ready")
		return nil
	}

	result := u.resultLocked()
	switch {
	case !u.completed:
		u.completed = true
		u.emitted = u.revision
		a.log.Debug().Str("adUnit", u.code).Int("bids", settled).Msg("ad unit complete")
		return []event{func(l Listener) { l.AdUnitComplete(a.id, result) }}
	case u.revision != u.emitted:
		u.emitted = u.revision
		a.log.Debug().Str("adUnit", u.code).Msg("ad unit complete but received update")
		return []event{func(l Listener) { l.AdUnitUpdated(a.id, result) }}
	}
	return nil
}

func (u *adUnitState) resultLocked() *AdUnitResult {
	r := &AdUnitResult{Code: u.code, Bids: make([]*bid.Bid, 0, len(u.slots))}
	for _, ss := range u.slots {
		if ss.bid != nil {
			r.Bids = append(r.Bids, ss.bid)
		}
	}
	return r
}

// Finalize ends the auction. Only the first call has an effect, later calls are logged as defects.
func (a *Auction) Finalize(timedOut bool) {
	a.finalize(timedOut, false)
}

// auctionDone ends the auction once every group finished and all responses settled
func (a *Auction) auctionDone() {
	a.log.Info().Msg("Bids received for auction")
	a.finalize(false, true)
}

func (a *Auction) finalize(timedOut, quiet bool) {
	a.mu.Lock()
	if a.finalized {
		a.mu.Unlock()
		if !quiet {
			a.log.Warn().Bool("defect", true).Msg("auction finalized more than once")
		}
		return
	}
	a.finalized = true
	close(a.ended)
	if a.timer != nil {
		a.timer.Stop()
	}
	now := time.Now()
	a.timedOut = timedOut

	var evs []event
	for _, gs := range a.groups {
		for _, s := range gs.g.Slots {
			ss := a.slots[s.ID]
			if ss.bid == nil {
				evs = append(evs, a.settleLocked(ss, a.synthesizeLocked(ss, bid.StatusTimedOut, now))...)
			}
		}
	}

	var timedOutBids []*bid.Bid
	if timedOut {
		a.log.Info().Msg("auction timed out")
		for _, gs := range a.groups {
			if a.timely[gs.g.ProviderID] {
				continue
			}
			for _, s := range gs.g.Slots {
				if b := a.slots[s.ID].bid; b.Status == bid.StatusTimedOut {
					timedOutBids = append(timedOutBids, b)
				}
			}
		}
	}
	for _, u := range a.units {
		evs = append(evs, a.evaluateLocked(u)...)
	}
	if len(timedOutBids) > 0 {
		evs = append(evs, func(l Listener) { l.BidTimeout(a.id, timedOutBids) })
	}

	a.status = StatusCompleted
	a.end = now
	snap := a.snapshotLocked()
	evs = append(evs, func(l Listener) { l.AuctionEnd(snap) })

	results := a.resultsLocked()
	callback := a.config.OnComplete
	a.config.OnComplete = nil
	providers := make([]string, 0, len(a.groups))
	for _, gs := range a.groups {
		providers = append(providers, gs.g.ProviderID)
	}
	a.unlockAndEmit(evs)

	a.log.Info().
		Bool("timed_out", timedOut).
		Int("bids", len(snap.BidsReceived)).
		Dur("duration", now.Sub(snap.Start)).
		Msg("auction completed")

	a.runCallback(callback, results, timedOut)
	a.housekeeping(timedOutBids, providers)
	close(a.done)
}

func (a *Auction) runCallback(callback CompleteFunc, results map[string]*AdUnitResult, timedOut bool) {
	if callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Msg("Error executing completion callback")
		}
	}()
	callback(results, timedOut, a.id)
}

// housekeeping notifies timed out providers and schedules user syncs
func (a *Auction) housekeeping(timedOutBids []*bid.Bid, providers []string) {
	if len(timedOutBids) > 0 {
		if tn, ok := a.deps.Dispatcher.(TimeoutNotifier); ok {
			a.guarded("timeout notification", func() { tn.NotifyTimeout(timedOutBids, a.config.Timeout) })
		}
	}
	if !a.config.UserSync.Override {
		if us, ok := a.deps.Dispatcher.(UserSyncer); ok {
			a.guarded("user sync", func() { us.SyncUsers(a.config.UserSync.Delay, providers) })
		}
	}
}

func (a *Auction) guarded(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Str("step", what).Msg("auction step failed")
		}
	}()
	fn()
}

// resultsLocked groups the slot records by ad unit code
func (a *Auction) resultsLocked() map[string]*AdUnitResult {
	results := make(map[string]*AdUnitResult, len(a.config.AdUnitCodes))
	for _, code := range a.config.AdUnitCodes {
		if u, ok := a.unitByCode[code]; ok {
			results[code] = u.resultLocked()
		}
	}
	return results
}

// unlockAndEmit releases the auction lock and delivers events in order
func (a *Auction) unlockAndEmit(evs []event) {
	if len(evs) == 0 {
		a.mu.Unlock()
		return
	}
	a.emitMu.Lock()
	a.mu.Unlock()
	defer a.emitMu.Unlock()
	for _, e := range evs {
		a.emit(e)
	}
}

func (a *Auction) emit(e event) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Msg("auction listener panicked")
		}
	}()
	e(a.listener)
}

// AddWinningBid records a won bid and notifies its provider
func (a *Auction) AddWinningBid(b *bid.Bid) {
	a.mu.Lock()
	a.winning = append(a.winning, b)
	a.unlockAndEmit([]event{func(l Listener) { l.BidWon(b) }})

	if wn, ok := a.deps.Dispatcher.(WinNotifier); ok {
		a.guarded("win notification", func() { wn.NotifyWin(b) })
	}
}

// SetBidTargeting notifies the provider of b that its targeting was set
func (a *Auction) SetBidTargeting(b *bid.Bid) {
	if tn, ok := a.deps.Dispatcher.(TargetingNotifier); ok {
		a.guarded("targeting notification", func() { tn.NotifyTargeting(b) })
	}
}

// HasAvailableBids reports whether any received bid is still usable at now
func (a *Auction) HasAvailableBids(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.received {
		if !b.Expired(now, 0) {
			return true
		}
	}
	return false
}

// Status returns the lifecycle state
func (a *Auction) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Snapshot returns the full auction state
func (a *Auction) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Auction) snapshotLocked() Snapshot {
	s := Snapshot{
		AuctionID:    a.id,
		Status:       a.status,
		Start:        a.start,
		End:          a.end,
		Timeout:      a.config.Timeout,
		TimedOut:     a.timedOut,
		AdUnits:      a.config.AdUnits,
		AdUnitCodes:  append([]string(nil), a.config.AdUnitCodes...),
		Labels:       append([]string(nil), a.config.Labels...),
		Groups:       make([]GroupState, 0, len(a.groups)),
		BidsReceived: append([]*bid.Bid(nil), a.received...),
		NoBids:       append([]*bid.Bid(nil), a.noBids...),
		WinningBids:  append([]*bid.Bid(nil), a.winning...),
		Late:         append([]*bid.Bid(nil), a.late...),
	}
	for _, gs := range a.groups {
		ids := make([]string, len(gs.g.Slots))
		for i, sl := range gs.g.Slots {
			ids[i] = sl.ID
		}
		s.Groups = append(s.Groups, GroupState{
			ID:         gs.g.ID,
			ProviderID: gs.g.ProviderID,
			Origin:     gs.g.Origin,
			Slots:      ids,
			Start:      gs.start,
			Deadline:   gs.deadline,
			Finished:   gs.finished,
			FinishedAt: gs.finishedAt,
		})
		if a.timely[gs.g.ProviderID] {
			s.TimelyProviders = append(s.TimelyProviders, gs.g.ProviderID)
		}
	}
	return s
}
