// Package endpoints provides HTTP endpoint handlers
package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/auction"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/exchange"
	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
)

// MaxTimeout bounds the timeout a caller may ask for
const MaxTimeout = 10 * time.Second

// Auctioneer runs auctions and looks up recent ones. *exchange.Exchange implements it.
type Auctioneer interface {
	Run(ctx context.Context, req *exchange.AuctionRequest) (*exchange.AuctionResponse, error)
	Auction(id string) (*auction.Auction, bool)
	Status() exchange.Status
}

// auctionRequest is the wire form of POST /auction
type auctionRequest struct {
	AuctionID   string            `json:"auctionId,omitempty"`
	AdUnits     []*auction.AdUnit `json:"adUnits"`
	AdUnitCodes []string          `json:"adUnitCodes,omitempty"`
	TimeoutMS   int               `json:"timeout,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
}

// auctionResponse adds the diagnostic snapshot to the result in debug mode
type auctionResponse struct {
	*exchange.AuctionResponse
	State *auction.Snapshot `json:"state,omitempty"`
}

// AuctionHandler handles POST /auction requests
type AuctionHandler struct {
	exchange Auctioneer
}

// NewAuctionHandler creates a new auction handler
func NewAuctionHandler(ex Auctioneer) *AuctionHandler {
	return &AuctionHandler{exchange: ex}
}

// ServeHTTP handles the auction request
func (h *AuctionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	log := logger.FromContext(r.Context())

	var req auctionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Warn().Err(err).Msg("Invalid JSON in auction request")
		writeError(w, "Invalid JSON in request body", http.StatusBadRequest)
		return
	}

	if err := validateAuctionRequest(&req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.AuctionID != "" {
		ctx = logger.WithAuctionID(ctx, req.AuctionID)
		log = logger.FromContext(ctx)
	}

	result, err := h.exchange.Run(ctx, &exchange.AuctionRequest{
		AuctionID:   req.AuctionID,
		AdUnits:     req.AdUnits,
		AdUnitCodes: req.AdUnitCodes,
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
		Labels:      req.Labels,
	})
	if err != nil {
		// the client went away, the auction still runs to its deadline
		log.Warn().Err(err).Msg("Auction abandoned by client")
		writeError(w, "auction did not complete", http.StatusServiceUnavailable)
		return
	}

	resp := auctionResponse{AuctionResponse: result}
	if r.URL.Query().Get("debug") == "1" {
		if a, ok := h.exchange.Auction(result.AuctionID); ok {
			state := a.Snapshot()
			resp.State = &state
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// validateAuctionRequest validates the auction request
func validateAuctionRequest(req *auctionRequest) error {
	if len(req.AdUnits) == 0 {
		return &ValidationError{Field: "adUnits", Message: "at least one ad unit required", Index: -1}
	}
	if req.TimeoutMS < 0 || time.Duration(req.TimeoutMS)*time.Millisecond > MaxTimeout {
		return &ValidationError{Field: "timeout", Message: fmt.Sprintf("must be between 0 and %d", MaxTimeout.Milliseconds()), Index: -1}
	}

	codes := make(map[string]bool, len(req.AdUnits))
	for i, u := range req.AdUnits {
		if u == nil || u.Code == "" {
			return &ValidationError{Field: "adUnits[].code", Message: "required", Index: i}
		}
		if codes[u.Code] {
			return &ValidationError{Field: "adUnits[].code", Message: "duplicate ad unit code", Index: i}
		}
		codes[u.Code] = true
		for _, b := range u.Bids {
			if b.Bidder == "" {
				return &ValidationError{Field: "adUnits[].bids[].bidder", Message: "required", Index: i}
			}
		}
	}
	for i, code := range req.AdUnitCodes {
		if !codes[code] {
			return &ValidationError{Field: "adUnitCodes", Message: "unknown ad unit code " + code, Index: i}
		}
	}
	return nil
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
	Index   int
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s[%d]: %s", e.Field, e.Index, e.Message)
	}
	return e.Field + ": " + e.Message
}

// AuctionStateHandler handles GET /auctions/{id} requests
type AuctionStateHandler struct {
	exchange Auctioneer
}

// NewAuctionStateHandler creates a new auction state handler
func NewAuctionStateHandler(ex Auctioneer) *AuctionStateHandler {
	return &AuctionStateHandler{exchange: ex}
}

// ServeHTTP returns the snapshot of a recent auction
func (h *AuctionStateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := h.exchange.Auction(id)
	if !ok {
		writeError(w, "auction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn().Err(err).Msg("Failed to write response")
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// StatusHandler handles /status requests
type StatusHandler struct {
	exchange Auctioneer
}

// NewStatusHandler creates a new status handler. ex may be nil.
func NewStatusHandler(ex Auctioneer) *StatusHandler {
	return &StatusHandler{exchange: ex}
}

// ServeHTTP handles status requests
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.exchange != nil {
		resp["exchange"] = h.exchange.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// BidderLister is an interface for listing bidders
type BidderLister interface {
	ListEnabledBidders() []string
}

// DynamicBidderLister is an optional interface for listing dynamic bidders
type DynamicBidderLister interface {
	ListBidderCodes() []string
}

// InfoBiddersHandler handles /info/bidders requests
type InfoBiddersHandler struct {
	staticRegistry  BidderLister
	dynamicRegistry DynamicBidderLister // May be nil
}

// NewInfoBiddersHandler creates a handler that queries registries at request time
func NewInfoBiddersHandler(staticRegistry BidderLister, dynamicRegistry DynamicBidderLister) *InfoBiddersHandler {
	return &InfoBiddersHandler{
		staticRegistry:  staticRegistry,
		dynamicRegistry: dynamicRegistry,
	}
}

// ServeHTTP handles info/bidders requests
func (h *InfoBiddersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bidderSet := make(map[string]bool)
	if h.staticRegistry != nil {
		for _, bidder := range h.staticRegistry.ListEnabledBidders() {
			bidderSet[bidder] = true
		}
	}
	if h.dynamicRegistry != nil {
		for _, bidder := range h.dynamicRegistry.ListBidderCodes() {
			bidderSet[bidder] = true
		}
	}

	bidders := make([]string, 0, len(bidderSet))
	for bidder := range bidderSet {
		bidders = append(bidders, bidder)
	}
	sort.Strings(bidders)

	writeJSON(w, http.StatusOK, bidders)
}
