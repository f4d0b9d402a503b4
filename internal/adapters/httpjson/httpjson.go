// Package httpjson provides a generic JSON over HTTP bidder
// that can be configured dynamically from Redis.
//
// The bidder POSTs the slots of a dispatch group and reads raw bids back,
// which allows new bidder integrations without writing Go code for each one.
package httpjson

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
)

// BidderConfig represents a dynamic bidder configuration loaded from Redis
type BidderConfig struct {
	BidderCode        string                  `json:"bidder_code"`
	Name              string                  `json:"name"`
	Endpoint          EndpointConfig          `json:"endpoint"`
	ResponseTransform ResponseTransformConfig `json:"response_transform"`
	Status            string                  `json:"status"`
	// Origin overrides the capacity accounting key
	Origin    string `json:"origin"`
	Secondary bool   `json:"secondary"`
}

// EndpointConfig holds endpoint configuration
type EndpointConfig struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	TimeoutMS       int               `json:"timeout_ms"`
	AuthType        string            `json:"auth_type"`
	AuthUsername    string            `json:"auth_username"`
	AuthPassword    string            `json:"auth_password"`
	AuthToken       string            `json:"auth_token"`
	AuthHeaderName  string            `json:"auth_header_name"`
	AuthHeaderValue string            `json:"auth_header_value"`
	CustomHeaders   map[string]string `json:"custom_headers"`
}

// ResponseTransformConfig holds response transformation rules
type ResponseTransformConfig struct {
	PriceAdjustment float64 `json:"price_adjustment"`
}

// wireRequest is the body sent to the bidder
type wireRequest struct {
	AuctionID       string           `json:"auctionId"`
	BidderRequestID string           `json:"bidderRequestId"`
	BidderCode      string           `json:"bidderCode"`
	TimeoutMS       int64            `json:"timeout"`
	Bids            []*adapters.Slot `json:"bids"`
}

// wireResponse is the body expected back
type wireResponse struct {
	Bids []*bid.Raw `json:"bids"`
}

// GenericAdapter implements the Adapter interface for dynamic bidders
type GenericAdapter struct {
	config *BidderConfig
	client adapters.HTTPClient
	mu     sync.RWMutex
}

// New creates a new generic adapter with the given configuration
func New(config *BidderConfig, client adapters.HTTPClient) *GenericAdapter {
	if client == nil {
		client = adapters.NewHTTPClient(0)
	}
	return &GenericAdapter{
		config: config,
		client: client,
	}
}

// UpdateConfig updates the adapter configuration (thread-safe)
func (a *GenericAdapter) UpdateConfig(config *BidderConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config = config
}

// GetConfig returns the current configuration (thread-safe)
func (a *GenericAdapter) GetConfig() *BidderConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// RequestBids sends the group in one call and delivers every returned bid
func (a *GenericAdapter) RequestBids(ctx context.Context, req *adapters.Request, resp adapters.Responder) error {
	config := a.GetConfig()

	body, err := json.Marshal(wireRequest{
		AuctionID:       req.AuctionID,
		BidderRequestID: req.GroupID,
		BidderCode:      req.BidderCode,
		TimeoutMS:       req.TimeoutMillis(),
		Bids:            req.Slots,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %v", err)
	}

	method := config.Endpoint.Method
	if method == "" {
		method = http.MethodPost
	}

	timeout := req.Timeout
	if t := a.GetTimeout(); t > 0 && (timeout <= 0 || t < timeout) {
		timeout = t
	}

	resp.Request()
	data, err := a.client.Do(ctx, &adapters.RequestData{
		Method:  method,
		URI:     config.Endpoint.URL,
		Body:    body,
		Headers: a.buildHeaders(config),
	}, timeout)
	if err != nil {
		return err
	}

	raws, err := a.parse(config, data)
	if err != nil {
		return err
	}

	codes := make(map[string]string, len(req.Slots))
	for _, s := range req.Slots {
		codes[s.RequestSlotID] = s.AdUnitCode
	}
	for _, raw := range raws {
		if raw == nil {
			continue
		}
		if raw.BidderCode == "" {
			raw.BidderCode = req.BidderCode
		}
		a.transformBid(raw, config)
		resp.Respond(codes[raw.RequestSlotID], raw)
	}
	return nil
}

// parse reads the bids out of a bidder response
func (a *GenericAdapter) parse(config *BidderConfig, data *adapters.ResponseData) ([]*bid.Raw, error) {
	switch data.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	case http.StatusBadRequest:
		return nil, fmt.Errorf("bad request from %s: %s", config.BidderCode, string(data.Body))
	default:
		return nil, fmt.Errorf("unexpected status from %s: %d", config.BidderCode, data.StatusCode)
	}

	var wr wireResponse
	if err := json.Unmarshal(data.Body, &wr); err != nil {
		return nil, fmt.Errorf("failed to parse response from %s: %v", config.BidderCode, err)
	}
	return wr.Bids, nil
}

// transformBid applies response transformations to a bid
func (a *GenericAdapter) transformBid(raw *bid.Raw, config *BidderConfig) {
	adj := config.ResponseTransform.PriceAdjustment
	if adj == 0 || adj == 1.0 {
		return
	}
	cpm, ok := raw.CPM.Float()
	if !ok {
		return
	}
	v, _ := decimal.NewFromFloat(cpm).Mul(decimal.NewFromFloat(adj)).Float64()
	raw.CPM = bid.PriceOf(v)
}

// buildHeaders creates HTTP headers for the request
func (a *GenericAdapter) buildHeaders(config *BidderConfig) http.Header {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json;charset=utf-8")
	headers.Set("Accept", "application/json")

	switch config.Endpoint.AuthType {
	case "basic":
		if config.Endpoint.AuthUsername != "" {
			credentials := config.Endpoint.AuthUsername + ":" + config.Endpoint.AuthPassword
			encoded := base64.StdEncoding.EncodeToString([]byte(credentials))
			headers.Set("Authorization", "Basic "+encoded)
		}
	case "bearer":
		if config.Endpoint.AuthToken != "" {
			headers.Set("Authorization", "Bearer "+config.Endpoint.AuthToken)
		}
	case "header":
		if config.Endpoint.AuthHeaderName != "" && config.Endpoint.AuthHeaderValue != "" {
			headers.Set(config.Endpoint.AuthHeaderName, config.Endpoint.AuthHeaderValue)
		}
	}

	for k, v := range config.Endpoint.CustomHeaders {
		headers.Set(k, v)
	}
	return headers
}

// Info returns bidder information based on the configuration
func (a *GenericAdapter) Info() adapters.BidderInfo {
	config := a.GetConfig()
	return adapters.BidderInfo{
		Enabled:   a.IsEnabled(),
		Endpoint:  config.Endpoint.URL,
		Origin:    config.Origin,
		Secondary: config.Secondary,
	}
}

// IsEnabled checks if the bidder is enabled
func (a *GenericAdapter) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Status == "active" || a.config.Status == "testing"
}

// GetTimeout returns the configured timeout duration
func (a *GenericAdapter) GetTimeout() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return time.Duration(a.config.Endpoint.TimeoutMS) * time.Millisecond
}
