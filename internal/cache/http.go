package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/buger/jsonparser"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
)

type putObject struct {
	Type       string `json:"type"`
	Value      string `json:"value"`
	TTLSeconds int    `json:"ttlseconds"`
	Key        string `json:"key,omitempty"`
	Bidder     string `json:"bidder,omitempty"`
	BidID      string `json:"bidid,omitempty"`
	AuctionID  string `json:"aid,omitempty"`
}

type putRequest struct {
	Puts []putObject `json:"puts"`
}

// HTTPStore stores bids in a prebid-cache compatible endpoint
type HTTPStore struct {
	url    string
	client adapters.HTTPClient
	// ForwardKeys sends bidder supplied cache keys as custom keys
	ForwardKeys bool
}

// NewHTTPStore creates a store that POSTs to url
func NewHTTPStore(url string, client adapters.HTTPClient) *HTTPStore {
	if client == nil {
		client = adapters.NewHTTPClient(0)
	}
	return &HTTPStore{url: url, client: client}
}

// Store sends every bid in a single puts request
func (s *HTTPStore) Store(ctx context.Context, bids []*bid.Bid) ([]Result, error) {
	payload := putRequest{Puts: make([]putObject, 0, len(bids))}
	for _, b := range bids {
		put := putObject{
			Type:       "xml",
			Value:      VastValue(b),
			TTLSeconds: b.TTLSeconds,
			Bidder:     b.BidderCode,
			BidID:      b.RequestSlotID,
			AuctionID:  b.AuctionID,
		}
		if s.ForwardKeys {
			put.Key = b.CacheKey
		}
		payload.Puts = append(payload.Puts, put)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache request: %w", err)
	}

	resp, err := s.client.Do(ctx, &adapters.RequestData{
		Method:  http.MethodPost,
		URI:     s.url,
		Body:    body,
		Headers: http.Header{"Content-Type": []string{"text/plain"}},
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("cache request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cache server returned status %d", resp.StatusCode)
	}

	return parseResponses(resp.Body, len(bids))
}

// parseResponses reads responses[].uuid. Missing items fail individually.
func parseResponses(body []byte, n int) ([]Result, error) {
	if _, dataType, _, err := jsonparser.Get(body, "responses"); err != nil || dataType != jsonparser.Array {
		return nil, fmt.Errorf("the cache server didn't respond with a responses property")
	}

	results := make([]Result, 0, n)
	var parseErr error
	_, err := jsonparser.ArrayEach(body, func(value []byte, _ jsonparser.ValueType, _ int, err error) {
		if err != nil {
			parseErr = err
			return
		}
		uuid, err := jsonparser.GetString(value, "uuid")
		switch {
		case err != nil && err != jsonparser.KeyPathNotFoundError:
			results = append(results, Result{Err: fmt.Errorf("invalid cache response item: %w", err)})
		case uuid == "":
			results = append(results, Result{Err: ErrKeyRejected})
		default:
			results = append(results, Result{Key: uuid})
		}
	}, "responses")
	if err == nil {
		err = parseErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache response: %w", err)
	}

	for len(results) < n {
		results = append(results, Result{Err: fmt.Errorf("cache response missing item %d", len(results))})
	}
	return results[:n], nil
}
