package endpoints

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/middleware"
)

// RouterConfig wires the handlers and middleware behind NewRouter
type RouterConfig struct {
	Exchange       Auctioneer
	Bidders        BidderLister
	Dynamic        DynamicBidderLister // May be nil
	Metrics        *metrics.Metrics    // May be nil
	MetricsHandler http.Handler        // Defaults to the default prometheus registry
	CORS           *middleware.CORSConfig
	SizeLimit      *middleware.SizeLimitConfig
}

// NewRouter builds the HTTP surface of the auctioneer
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(middleware.NewCORS(cfg.CORS).Middleware)
	r.Use(middleware.NewSizeLimiter(cfg.SizeLimit).Middleware)

	r.Method(http.MethodPost, "/auction", NewAuctionHandler(cfg.Exchange))
	r.Method(http.MethodGet, "/auctions/{id}", NewAuctionStateHandler(cfg.Exchange))
	r.Method(http.MethodGet, "/status", NewStatusHandler(cfg.Exchange))
	r.Method(http.MethodGet, "/info/bidders", NewInfoBiddersHandler(cfg.Bidders, cfg.Dynamic))

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = metrics.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	return r
}
