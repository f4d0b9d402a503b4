package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockAdapter implements Adapter for testing
type mockAdapter struct {
	name string
}

func (m *mockAdapter) RequestBids(ctx context.Context, req *Request, resp Responder) error {
	return nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	adapter := &mockAdapter{name: "test"}
	info := BidderInfo{Enabled: true, Endpoint: "https://bidder.example.com"}

	if err := r.Register("testbidder", adapter, info); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	awi, ok := r.Get("testbidder")
	if !ok {
		t.Fatal("expected adapter to be registered")
	}
	if awi.Adapter != adapter || awi.Info.Endpoint != info.Endpoint {
		t.Error("expected registered adapter and info")
	}
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("testbidder", &mockAdapter{}, BidderInfo{Enabled: true})

	err := r.Register("testbidder", &mockAdapter{}, BidderInfo{Enabled: true})
	if err == nil {
		t.Fatal("expected error for duplicate registration")
	}
	if err.Error() != "adapter already registered: testbidder" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestRegistry_GetAll_ReturnsCopy(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("bidder1", &mockAdapter{}, BidderInfo{Enabled: true})

	all := r.GetAll()
	delete(all, "bidder1")

	if _, ok := r.Get("bidder1"); !ok {
		t.Error("expected original registry to be unchanged")
	}
}

func TestRegistry_ListEnabledBidders(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("gamma", &mockAdapter{}, BidderInfo{Enabled: true})
	_ = r.Register("disabled", &mockAdapter{}, BidderInfo{Enabled: false})
	_ = r.Register("alpha", &mockAdapter{}, BidderInfo{Enabled: true})

	if got := r.ListBidders(); strings.Join(got, ",") != "alpha,disabled,gamma" {
		t.Errorf("unexpected bidder list %v", got)
	}
	if got := r.ListEnabledBidders(); strings.Join(got, ",") != "alpha,gamma" {
		t.Errorf("unexpected enabled list %v", got)
	}
	if empty := NewRegistry().ListEnabledBidders(); empty == nil || len(empty) != 0 {
		t.Error("expected non-nil empty slice")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(idx int) {
			defer wg.Done()
			_ = r.Register(fmt.Sprintf("b%d", idx%26), &mockAdapter{}, BidderInfo{Enabled: idx%2 == 0})
		}(i)
		go func(idx int) {
			defer wg.Done()
			r.Get(fmt.Sprintf("b%d", idx%26))
			r.ListEnabledBidders()
		}(i)
	}
	wg.Wait()

	if len(r.GetAll()) != len(r.ListBidders()) {
		t.Error("GetAll and ListBidders counts don't match")
	}
}

func TestHTTPClient_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected content type header, got %q", r.Header.Get("Content-Type"))
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewHTTPClient(time.Second)
	resp, err := client.Do(context.Background(), &RequestData{
		Method:  http.MethodPost,
		URI:     server.URL,
		Body:    []byte(`{}`),
		Headers: http.Header{"Content-Type": []string{"application/json"}},
	}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != `{"ok":true}` {
		t.Errorf("unexpected response %d %s", resp.StatusCode, resp.Body)
	}
}

func TestHTTPClient_ResponseTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", maxResponseSize+10)))
	}))
	defer server.Close()

	_, err := NewHTTPClient(time.Second).Do(context.Background(), &RequestData{Method: http.MethodGet, URI: server.URL}, 0)
	if err == nil || !strings.Contains(err.Error(), "response too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestHTTPClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	_, err := NewHTTPClient(0).Do(context.Background(), &RequestData{Method: http.MethodGet, URI: server.URL}, 20*time.Millisecond)
	if err == nil {
		t.Error("expected timeout error")
	}
}
