package exchange

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/admission"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/auction"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/cache"
)

// mockAdapter answers every slot with price. Without a price it hangs until hang is
// closed, ignoring ctx, so the auction deadline always fires first.
type mockAdapter struct {
	price     string
	mediaType bid.MediaType
	release   chan struct{}
	hang      chan struct{}
}

func (m *mockAdapter) RequestBids(ctx context.Context, req *adapters.Request, resp adapters.Responder) error {
	resp.Request()
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.price == "" {
		<-m.hang
		return nil
	}
	for _, s := range req.Slots {
		raw := &bid.Raw{RequestSlotID: s.RequestSlotID, CPM: bid.Price(m.price), Width: 300, Height: 250, MediaType: m.mediaType}
		if m.mediaType == bid.MediaTypeVideo {
			raw.VastXML = "<VAST></VAST>"
		}
		resp.Respond(s.AdUnitCode, raw)
	}
	return nil
}

func newTestRegistry(t *testing.T, adapterByCode map[string]adapters.Adapter, origin string) *adapters.Registry {
	t.Helper()
	r := adapters.NewRegistry()
	for code, a := range adapterByCode {
		if err := r.Register(code, a, adapters.BidderInfo{Enabled: true, Origin: origin}); err != nil {
			t.Fatalf("register %s: %v", code, err)
		}
	}
	return r
}

func adUnit(code string, bidders ...string) *auction.AdUnit {
	u := &auction.AdUnit{Code: code, MediaTypes: &bid.MediaTypes{Banner: &bid.Banner{Sizes: [][2]int{{300, 250}}}}}
	for _, b := range bidders {
		u.Bids = append(u.Bids, auction.AdUnitBid{Bidder: b})
	}
	return u
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 500 * time.Millisecond
	cfg.UserSync.Override = true
	return cfg
}

func TestExchangeNew(t *testing.T) {
	ex := New(nil, Deps{Registry: adapters.NewRegistry()})
	if ex == nil {
		t.Fatal("expected non-nil exchange")
	}
	if ex.config.DefaultTimeout != auction.DefaultTimeout {
		t.Errorf("expected default timeout, got %v", ex.config.DefaultTimeout)
	}
	if ex.Admission().MaxPerOrigin() != 21 {
		t.Errorf("expected default origin capacity 21, got %d", ex.Admission().MaxPerOrigin())
	}

	ex = New(&Config{DefaultTimeout: 200 * time.Millisecond, Admission: &admission.Config{MaxRequestsPerOrigin: 3}}, Deps{})
	if ex.config.DefaultTimeout != 200*time.Millisecond {
		t.Errorf("expected 200ms timeout, got %v", ex.config.DefaultTimeout)
	}
	if ex.config.RetainedAuctions != 100 {
		t.Errorf("expected retained auctions to default, got %d", ex.config.RetainedAuctions)
	}
	if ex.Admission().MaxPerOrigin() != 3 {
		t.Errorf("expected origin capacity 3, got %d", ex.Admission().MaxPerOrigin())
	}
	if ex.Status().CacheEnabled {
		t.Error("expected cache to be disabled without a store")
	}
}

func TestExchangeRunNoBidders(t *testing.T) {
	ex := New(testConfig(), Deps{Registry: adapters.NewRegistry()})

	resp, err := ex.Run(context.Background(), &AuctionRequest{AdUnits: []*auction.AdUnit{adUnit("div-1", "unknown")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.TimedOut {
		t.Error("expected auction without bidders not to time out")
	}
	if len(resp.AdUnits) != 1 || resp.AdUnits[0].Code != "div-1" || len(resp.AdUnits[0].Bids) != 0 {
		t.Errorf("expected one empty ad unit, got %+v", resp.AdUnits)
	}
}

func TestExchangeRunWithBidders(t *testing.T) {
	registry := newTestRegistry(t, map[string]adapters.Adapter{
		"fast":  &mockAdapter{price: "2.50"},
		"cheap": &mockAdapter{price: "0.40"},
	}, "")
	ex := New(testConfig(), Deps{Registry: registry})

	var callbacks atomic.Int32
	resp, err := ex.Run(context.Background(), &AuctionRequest{
		AdUnits: []*auction.AdUnit{adUnit("div-1", "fast", "cheap"), adUnit("div-2", "fast")},
		OnComplete: func(map[string]*auction.AdUnitResult, bool, string) {
			callbacks.Add(1)
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if callbacks.Load() != 1 {
		t.Errorf("expected publisher callback once, got %d", callbacks.Load())
	}
	if resp.TimedOut || len(resp.TimedOutBidders) != 0 {
		t.Errorf("expected no timeout, got %+v", resp)
	}
	if len(resp.AdUnits) != 2 || resp.AdUnits[0].Code != "div-1" || resp.AdUnits[1].Code != "div-2" {
		t.Fatalf("expected ad units in request order, got %+v", resp.AdUnits)
	}
	if n := len(resp.AdUnits[0].Available()); n != 2 {
		t.Errorf("expected two bids on div-1, got %d", n)
	}
	for _, b := range resp.AdUnits[0].Bids {
		if b.BidderCode == "fast" && (b.CPM != 2.5 || b.Targeting["hb_pb"] != "2.50") {
			t.Errorf("unexpected fast bid %+v", b)
		}
	}

	a, ok := ex.Auction(resp.AuctionID)
	if !ok {
		t.Fatal("expected auction to be retained")
	}
	if a.Status() != auction.StatusCompleted {
		t.Errorf("expected completed auction, got %v", a.Status())
	}
}

func TestExchangeRunTimeout(t *testing.T) {
	hang := make(chan struct{})
	defer close(hang)
	registry := newTestRegistry(t, map[string]adapters.Adapter{
		"slow": &mockAdapter{hang: hang},
		"fast": &mockAdapter{price: "1.00"},
	}, "")
	ex := New(testConfig(), Deps{Registry: registry})

	resp, err := ex.Run(context.Background(), &AuctionRequest{
		AdUnits: []*auction.AdUnit{adUnit("div-1", "slow", "fast")},
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.TimedOut {
		t.Error("expected timed out auction")
	}
	if len(resp.TimedOutBidders) != 1 || resp.TimedOutBidders[0] != "slow" {
		t.Errorf("expected slow to time out, got %v", resp.TimedOutBidders)
	}
	if n := len(resp.AdUnits[0].Available()); n != 1 {
		t.Errorf("expected the fast bid to survive, got %d", n)
	}
}

func TestExchangeRunContextCanceled(t *testing.T) {
	hang := make(chan struct{})
	defer close(hang)
	registry := newTestRegistry(t, map[string]adapters.Adapter{"slow": &mockAdapter{hang: hang}}, "")
	ex := New(testConfig(), Deps{Registry: registry})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ex.Run(ctx, &AuctionRequest{
		AuctionID: "canceled",
		AdUnits:   []*auction.AdUnit{adUnit("div-1", "slow")},
		Timeout:   200 * time.Millisecond,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// the auction itself keeps running until its own deadline
	a, ok := ex.Auction("canceled")
	if !ok {
		t.Fatal("expected auction to be retained")
	}
	select {
	case <-a.Handle().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("auction did not complete")
	}
	if !a.Snapshot().TimedOut {
		t.Error("expected auction to end on its deadline")
	}
}

func TestExchangeRetainedAuctions(t *testing.T) {
	cfg := testConfig()
	cfg.RetainedAuctions = 2
	ex := New(cfg, Deps{Registry: adapters.NewRegistry()})

	for _, id := range []string{"a1", "a2", "a3"} {
		if _, err := ex.Run(context.Background(), &AuctionRequest{AuctionID: id, AdUnits: []*auction.AdUnit{adUnit("div-1")}}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if _, ok := ex.Auction("a1"); ok {
		t.Error("expected oldest auction to be evicted")
	}
	for _, id := range []string{"a2", "a3"} {
		if _, ok := ex.Auction(id); !ok {
			t.Errorf("expected %s to be retained", id)
		}
	}
	if s := ex.Status(); s.Auctions != 2 || s.Running != 0 {
		t.Errorf("unexpected status %+v", s)
	}
}

func TestExchangeSharedOriginCapacity(t *testing.T) {
	release := make(chan struct{})
	registry := newTestRegistry(t, map[string]adapters.Adapter{
		"first":  &mockAdapter{price: "1.00", release: release},
		"second": &mockAdapter{price: "1.00", release: release},
	}, "shared.example.com")
	cfg := testConfig()
	cfg.Admission = &admission.Config{MaxRequestsPerOrigin: 1}
	ex := New(cfg, Deps{Registry: registry})

	h := ex.RunAuction(context.Background(), &AuctionRequest{AdUnits: []*auction.AdUnit{adUnit("div-1", "first", "second")}})

	if s := ex.Status(); s.QueueDepth != 1 || s.Running != 1 {
		t.Errorf("expected one queued group, got %+v", s)
	}
	if got := ex.Admission().Outstanding("shared.example.com"); got != 1 {
		t.Errorf("expected one outstanding request, got %d", got)
	}

	close(release)
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("auction did not complete")
	}
	if n := len(h.State().BidsReceived); n != 2 {
		t.Errorf("expected both bidders to answer, got %d", n)
	}
	if got := ex.Admission().Outstanding("shared.example.com"); got != 0 {
		t.Errorf("expected ledger to drain, got %d", got)
	}
}

func TestExchangeVideoCache(t *testing.T) {
	registry := newTestRegistry(t, map[string]adapters.Adapter{"video": &mockAdapter{price: "5.00", mediaType: bid.MediaTypeVideo}}, "")
	cfg := testConfig()
	cfg.Cache = &cache.Config{URL: "https://cache.example.com/cache", BatchSize: 1}

	var stored atomic.Int32
	store := cache.StoreFunc(func(ctx context.Context, bids []*bid.Bid) ([]cache.Result, error) {
		stored.Add(int32(len(bids)))
		results := make([]cache.Result, len(bids))
		for i := range bids {
			results[i] = cache.Result{Key: "key-1"}
		}
		return results, nil
	})
	ex := New(cfg, Deps{Registry: registry, Store: store})
	defer ex.Close()

	unit := &auction.AdUnit{
		Code:       "video-1",
		MediaTypes: &bid.MediaTypes{Video: &bid.Video{Context: bid.VideoInstream, PlayerSize: [][2]int{{640, 480}}}},
		Bids:       []auction.AdUnitBid{{Bidder: "video"}},
	}
	resp, err := ex.Run(context.Background(), &AuctionRequest{AdUnits: []*auction.AdUnit{unit}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Load() != 1 {
		t.Errorf("expected one stored bid, got %d", stored.Load())
	}
	bids := resp.AdUnits[0].Available()
	if len(bids) != 1 {
		t.Fatalf("expected one cached bid, got %d", len(bids))
	}
	if bids[0].CacheKey != "key-1" || bids[0].CacheURL != "https://cache.example.com/cache?uuid=key-1" {
		t.Errorf("unexpected cache fields %q %q", bids[0].CacheKey, bids[0].CacheURL)
	}
	if bids[0].Targeting["hb_uuid"] != "key-1" {
		t.Errorf("expected cache key targeting, got %v", bids[0].Targeting)
	}
}
