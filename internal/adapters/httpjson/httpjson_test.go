package httpjson

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
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

func testRequest() *adapters.Request {
	return &adapters.Request{
		AuctionID:  "auction-1",
		GroupID:    "group-1",
		BidderCode: "acme",
		Timeout:    500 * time.Millisecond,
		Slots: []*adapters.Slot{
			{RequestSlotID: "s1", AdUnitCode: "div-1", Sizes: [][2]int{{300, 250}}},
			{RequestSlotID: "s2", AdUnitCode: "div-2", Sizes: [][2]int{{728, 90}}},
		},
	}
}

func TestRequestBids(t *testing.T) {
	var got wireRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bids":[{"requestId":"s1","cpm":"1.50","width":300,"height":250},{"requestId":"s2","cpm":2,"bidderCode":"acme-alias"}]}`))
	}))
	defer server.Close()

	a := New(&BidderConfig{
		BidderCode: "acme",
		Status:     "active",
		Endpoint:   EndpointConfig{URL: server.URL, AuthType: "bearer", AuthToken: "secret"},
	}, adapters.NewHTTPClient(time.Second))

	resp := &recordingResponder{}
	if err := a.RequestBids(context.Background(), testRequest(), resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if auth != "Bearer secret" {
		t.Errorf("expected bearer auth, got %q", auth)
	}
	if got.AuctionID != "auction-1" || got.TimeoutMS != 500 || len(got.Bids) != 2 {
		t.Errorf("unexpected wire request %+v", got)
	}
	if resp.requests != 1 {
		t.Errorf("expected one request, got %d", resp.requests)
	}
	if len(resp.raws) != 2 {
		t.Fatalf("expected two bids, got %d", len(resp.raws))
	}
	if resp.codes[0] != "div-1" || resp.codes[1] != "div-2" {
		t.Errorf("unexpected ad unit codes %v", resp.codes)
	}
	if resp.raws[0].BidderCode != "acme" {
		t.Errorf("expected bidder code to default, got %q", resp.raws[0].BidderCode)
	}
	if resp.raws[1].BidderCode != "acme-alias" {
		t.Errorf("expected bidder code to be kept, got %q", resp.raws[1].BidderCode)
	}
	if cpm, _ := resp.raws[1].CPM.Float(); cpm != 2 {
		t.Errorf("expected numeric cpm 2, got %v", cpm)
	}
}

func TestRequestBidsPriceAdjustment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bids":[{"requestId":"s1","cpm":"2.00"}]}`))
	}))
	defer server.Close()

	a := New(&BidderConfig{
		BidderCode:        "acme",
		Endpoint:          EndpointConfig{URL: server.URL},
		ResponseTransform: ResponseTransformConfig{PriceAdjustment: 0.85},
	}, nil)

	resp := &recordingResponder{}
	if err := a.RequestBids(context.Background(), testRequest(), resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cpm, _ := resp.raws[0].CPM.Float(); cpm != 1.7 {
		t.Errorf("expected adjusted cpm 1.7, got %v", cpm)
	}
}

func TestRequestBidsStatusHandling(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"no content", http.StatusNoContent, false},
		{"bad request", http.StatusBadRequest, true},
		{"server error", http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			a := New(&BidderConfig{BidderCode: "acme", Endpoint: EndpointConfig{URL: server.URL}}, nil)
			resp := &recordingResponder{}
			err := a.RequestBids(context.Background(), testRequest(), resp)
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
			if len(resp.raws) != 0 {
				t.Errorf("expected no bids, got %d", len(resp.raws))
			}
		})
	}
}

type failingClient struct{}

func (failingClient) Do(ctx context.Context, req *adapters.RequestData, timeout time.Duration) (*adapters.ResponseData, error) {
	return nil, errors.New("connection refused")
}

func TestRequestBidsTransportError(t *testing.T) {
	a := New(&BidderConfig{BidderCode: "acme"}, failingClient{})
	if err := a.RequestBids(context.Background(), testRequest(), &recordingResponder{}); err == nil {
		t.Error("expected transport error")
	}
}

func TestBuildHeaders(t *testing.T) {
	a := &GenericAdapter{}
	h := a.buildHeaders(&BidderConfig{Endpoint: EndpointConfig{
		AuthType:      "basic",
		AuthUsername:  "user",
		AuthPassword:  "pass",
		CustomHeaders: map[string]string{"X-Seat": "42"},
	}})
	if h.Get("Authorization") != "Basic dXNlcjpwYXNz" {
		t.Errorf("unexpected basic auth %q", h.Get("Authorization"))
	}
	if h.Get("X-Seat") != "42" {
		t.Error("expected custom header")
	}

	h = a.buildHeaders(&BidderConfig{Endpoint: EndpointConfig{AuthType: "header", AuthHeaderName: "X-Key", AuthHeaderValue: "k"}})
	if h.Get("X-Key") != "k" {
		t.Error("expected auth header")
	}
}

func TestInfo(t *testing.T) {
	a := New(&BidderConfig{
		Status:    "testing",
		Origin:    "acme",
		Secondary: true,
		Endpoint:  EndpointConfig{URL: "https://bid.acme.com", TimeoutMS: 250},
	}, nil)
	info := a.Info()
	if !info.Enabled || info.Origin != "acme" || !info.Secondary || info.Endpoint != "https://bid.acme.com" {
		t.Errorf("unexpected info %+v", info)
	}
	if a.GetTimeout() != 250*time.Millisecond {
		t.Errorf("unexpected timeout %v", a.GetTimeout())
	}

	a.UpdateConfig(&BidderConfig{Status: "paused"})
	if a.IsEnabled() {
		t.Error("expected paused bidder to be disabled")
	}
}
