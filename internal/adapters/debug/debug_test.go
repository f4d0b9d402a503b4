package debug

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
)

type recordingResponder struct {
	codes    []string
	raws     []*bid.Raw
	requests int
}

func (r *recordingResponder) Respond(adUnitCode string, raw *bid.Raw) {
	r.codes = append(r.codes, adUnitCode)
	r.raws = append(r.raws, raw)
}

func (r *recordingResponder) Request() {
	r.requests++
}

func newTestAdapter(random float64) *Adapter {
	a := New()
	a.random = func() float64 { return random }
	return a
}

func slot(id string, params string, sizes ...[2]int) *adapters.Slot {
	return &adapters.Slot{RequestSlotID: id, AdUnitCode: "div-" + id, Sizes: sizes, Params: json.RawMessage(params)}
}

func run(t *testing.T, a *Adapter, slots ...*adapters.Slot) *recordingResponder {
	t.Helper()
	resp := &recordingResponder{}
	req := &adapters.Request{AuctionID: "a1", BidderCode: BidderCode, Slots: slots}
	if err := a.RequestBids(context.Background(), req, resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return resp
}

func TestFixedPrice(t *testing.T) {
	resp := run(t, newTestAdapter(0), slot("s1", `{"price": 1.25, "bidTTL": 60}`, [2]int{300, 250}))

	if resp.requests != 1 {
		t.Errorf("expected one request, got %d", resp.requests)
	}
	if len(resp.raws) != 1 {
		t.Fatalf("expected one bid, got %d", len(resp.raws))
	}
	raw := resp.raws[0]
	if cpm, _ := raw.CPM.Float(); cpm != 1.25 {
		t.Errorf("expected cpm 1.25, got %v", cpm)
	}
	if raw.TTLSeconds != 60 {
		t.Errorf("expected ttl 60, got %d", raw.TTLSeconds)
	}
	if raw.Width != 300 || raw.Height != 250 {
		t.Errorf("unexpected size %dx%d", raw.Width, raw.Height)
	}
	if resp.codes[0] != "div-s1" {
		t.Errorf("unexpected ad unit %s", resp.codes[0])
	}
}

func TestDefaultAndRangePrice(t *testing.T) {
	resp := run(t, newTestAdapter(0.5),
		slot("s1", `{}`, [2]int{300, 250}),
		slot("s2", `{"priceBase": 1, "priceRange": 2}`, [2]int{300, 250}),
	)
	if len(resp.raws) != 2 {
		t.Fatalf("expected two bids, got %d", len(resp.raws))
	}
	if cpm, _ := resp.raws[0].CPM.Float(); cpm != defaultCPM {
		t.Errorf("expected default cpm, got %v", cpm)
	}
	if cpm, _ := resp.raws[1].CPM.Float(); cpm != 2 {
		t.Errorf("expected cpm 2, got %v", cpm)
	}
}

func TestNoResponse(t *testing.T) {
	tests := []struct {
		name   string
		random float64
		params string
	}{
		{"no bid", 0, `{"noBid": true}`},
		{"response rate", 0.1, `{"responseRate": 0.5}`},
		{"empty sizes", 0, `{"bidSizes": []}`},
		{"unmatched size", 0, `{"bidSizes": [[728, 90]], "matchBidSize": true}`},
		{"no common size", 0, `{"bidSizes": [[728, 90], [160, 600]]}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			resp := run(t, newTestAdapter(tt.random), slot("s1", tt.params, [2]int{300, 250}))
			if len(resp.raws) != 0 {
				t.Errorf("expected no bid, got %d", len(resp.raws))
			}
		})
	}
}

func TestResponseRateAnswers(t *testing.T) {
	resp := run(t, newTestAdapter(0.9), slot("s1", `{"responseRate": 0.5}`, [2]int{300, 250}))
	if len(resp.raws) != 1 {
		t.Errorf("expected a bid, got %d", len(resp.raws))
	}
}

func TestBidSizes(t *testing.T) {
	resp := run(t, newTestAdapter(0),
		slot("single", `{"bidSizes": [[728, 90]]}`, [2]int{300, 250}),
		slot("multi", `{"bidSizes": [[728, 90], [300, 600]]}`, [2]int{300, 250}, [2]int{300, 600}),
	)
	if len(resp.raws) != 2 {
		t.Fatalf("expected two bids, got %d", len(resp.raws))
	}
	if resp.raws[0].Width != 728 {
		t.Errorf("expected forced 728 width, got %d", resp.raws[0].Width)
	}
	if resp.raws[1].Height != 600 {
		t.Errorf("expected the common 300x600 size, got %dx%d", resp.raws[1].Width, resp.raws[1].Height)
	}
}

func TestBidPriceSize(t *testing.T) {
	resp := run(t, newTestAdapter(0),
		slot("s1", `{"price": 1, "bidPriceSize": {"300x250": {"price": 3.5}}}`, [2]int{300, 250}),
		slot("s2", `{"bidPriceSize": {"300x250": {"noBid": true}}}`, [2]int{300, 250}),
	)
	if len(resp.raws) != 2 {
		t.Fatalf("expected two responses, got %d", len(resp.raws))
	}
	if cpm, _ := resp.raws[0].CPM.Float(); cpm != 3.5 {
		t.Errorf("expected size price 3.5, got %v", cpm)
	}
	if !resp.raws[1].NoBid {
		t.Error("expected an explicit no bid")
	}
}

func TestLatencyRespectsContext(t *testing.T) {
	a := newTestAdapter(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	resp := &recordingResponder{}
	req := &adapters.Request{Slots: []*adapters.Slot{slot("s1", `{"latency": 1000}`, [2]int{300, 250})}}
	err := a.RequestBids(ctx, req, resp)
	if err == nil {
		t.Fatal("expected context error")
	}
	if len(resp.raws) != 0 {
		t.Error("expected no response after cancellation")
	}
}

func TestRegisteredInDefaultRegistry(t *testing.T) {
	awi, ok := adapters.DefaultRegistry.Get(BidderCode)
	if !ok {
		t.Fatal("expected debug bidder to be registered")
	}
	if !awi.Info.Enabled {
		t.Error("expected debug bidder to be enabled")
	}
}
