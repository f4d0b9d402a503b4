// Package adapters provides the bidder adapter framework
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
)

// maxResponseSize limits bidder response size to prevent OOM attacks
const maxResponseSize = 1024 * 1024 // 1MB

// Slot is one request slot sent to a bidder
type Slot struct {
	RequestSlotID string          `json:"requestId"`
	AdUnitCode    string          `json:"adUnitCode"`
	Sizes         [][2]int        `json:"sizes,omitempty"`
	MediaTypes    *bid.MediaTypes `json:"mediaTypes,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// Request is one dispatch group call to a bidder
type Request struct {
	AuctionID  string        `json:"auctionId"`
	GroupID    string        `json:"bidderRequestId"`
	BidderCode string        `json:"bidderCode"`
	Slots      []*Slot       `json:"bids"`
	Timeout    time.Duration `json:"-"`
	Start      time.Time     `json:"-"`
}

// TimeoutMillis returns the timeout in milliseconds for wire payloads
func (r *Request) TimeoutMillis() int64 {
	return r.Timeout.Milliseconds()
}

// Responder receives the output of one adapter call
type Responder interface {
	// Respond delivers a raw bid for an ad unit
	Respond(adUnitCode string, raw *bid.Raw)
	// Request records one outbound network request
	Request()
}

// Adapter defines the interface for bidder adapters
type Adapter interface {
	// RequestBids performs the call and delivers bids through resp.
	// It returns once the bidder has nothing more to send.
	RequestBids(ctx context.Context, req *Request, resp Responder) error
}

// TimeoutHandler is implemented by adapters that want to hear about timed out bids
type TimeoutHandler interface {
	OnTimeout(ctx context.Context, timedOut []*bid.Bid)
}

// WinHandler is implemented by adapters that want to hear about won bids
type WinHandler interface {
	OnBidWon(ctx context.Context, b *bid.Bid)
}

// TargetingHandler is implemented by adapters that want to hear when targeting is set
type TargetingHandler interface {
	OnSetTargeting(ctx context.Context, b *bid.Bid)
}

// UserSyncHandler is implemented by adapters with a user sync step
type UserSyncHandler interface {
	SyncUser(ctx context.Context) error
}

// BidderInfo contains bidder configuration
type BidderInfo struct {
	Enabled  bool
	Endpoint string
	// Origin is the capacity accounting key, defaulting to the endpoint host or the bidder code
	Origin string
	// Secondary bidders do not hold the auction open
	Secondary bool
	Syncer    *SyncerInfo
}

// SyncerInfo contains user sync configuration
type SyncerInfo struct {
	Type string
	URL  string
}

// AdapterWithInfo wraps an adapter with its info
type AdapterWithInfo struct {
	Adapter Adapter
	Info    BidderInfo
}

// RequestData represents an HTTP request to a bidder
type RequestData struct {
	Method  string
	URI     string
	Body    []byte
	Headers http.Header
}

// ResponseData represents an HTTP response from a bidder
type ResponseData struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// HTTPClient defines the interface for HTTP requests
type HTTPClient interface {
	Do(ctx context.Context, req *RequestData, timeout time.Duration) (*ResponseData, error)
}

// DefaultHTTPClient implements HTTPClient
type DefaultHTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient(timeout time.Duration) *DefaultHTTPClient {
	return &DefaultHTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Do executes an HTTP request with proper timeout handling
func (c *DefaultHTTPClient) Do(ctx context.Context, req *RequestData, timeout time.Duration) (*ResponseData, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URI, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header[k] = v
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Read one byte past the limit so oversized bodies can be detected
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxResponseSize {
		return nil, fmt.Errorf("response too large: exceeded %d bytes", maxResponseSize)
	}

	return &ResponseData{
		StatusCode: resp.StatusCode,
		Body:       data,
		Headers:    resp.Header,
	}, nil
}
