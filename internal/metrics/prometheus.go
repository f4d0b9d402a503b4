// Package metrics provides Prometheus metrics for the auction coordinator
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/auction"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
)

// Metrics holds all Prometheus metrics. It is an auction listener and an
// admission and cache observer.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Auction metrics
	AuctionsTotal      *prometheus.CounterVec
	AuctionDuration    *prometheus.HistogramVec
	AuctionsInProgress prometheus.Gauge
	AdUnitEvents       *prometheus.CounterVec
	BidsReceived       *prometheus.CounterVec
	BidCPM             *prometheus.HistogramVec
	NoBids             *prometheus.CounterVec
	BidsWon            *prometheus.CounterVec

	// Bidder metrics
	BidderLatency  *prometheus.HistogramVec
	BidderTimeouts *prometheus.CounterVec

	// Admission metrics
	OriginOutstanding *prometheus.GaugeVec
	AdmissionQueued   *prometheus.CounterVec

	// Cache metrics
	CacheBatches       *prometheus.CounterVec
	CacheBatchSize     prometheus.Histogram
	CacheBatchDuration prometheus.Histogram
	CacheDiscarded     *prometheus.CounterVec
}

// NewMetrics creates metrics registered on the default registry
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates and registers all metrics on reg
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "hb"
	}

	m := &Metrics{
		// Request metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		// Auction metrics
		AuctionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auctions_total",
				Help:      "Total number of completed auctions",
			},
			[]string{"status"},
		),
		AuctionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auction_duration_seconds",
				Help:      "Auction duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, .75, 1, 1.5, 2},
			},
			[]string{"status"},
		),
		AuctionsInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "auctions_in_progress",
				Help:      "Number of auctions started and not yet completed",
			},
		),
		AdUnitEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ad_unit_events_total",
				Help:      "Ad unit completion events",
			},
			[]string{"event"},
		),
		BidsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bids_received_total",
				Help:      "Total number of bids received",
			},
			[]string{"bidder", "media_type"},
		),
		BidCPM: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bid_cpm",
				Help:      "Bid CPM distribution",
				Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 10, 20, 50},
			},
			[]string{"bidder", "media_type"},
		),
		NoBids: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "no_bids_total",
				Help:      "Request slots settled without a bid",
			},
			[]string{"bidder"},
		),
		BidsWon: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bids_won_total",
				Help:      "Total number of winning bids",
			},
			[]string{"bidder"},
		),

		// Bidder metrics
		BidderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bidder_latency_seconds",
				Help:      "Bidder response latency in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .15, .2, .3, .5, .75, 1},
			},
			[]string{"bidder"},
		),
		BidderTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bidder_timeouts_total",
				Help:      "Total timeouts from bidders",
			},
			[]string{"bidder"},
		),

		// Admission metrics
		OriginOutstanding: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "origin_outstanding_requests",
				Help:      "Outstanding requests per origin",
			},
			[]string{"origin"},
		),
		AdmissionQueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_queued_total",
				Help:      "Dispatch groups deferred for lack of origin capacity",
			},
			[]string{"origin"},
		),

		// Cache metrics
		CacheBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_batches_total",
				Help:      "Cache store calls",
			},
			[]string{"status"},
		),
		CacheBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_batch_size",
				Help:      "Bids per cache store call",
				Buckets:   []float64{1, 2, 5, 10, 20, 50},
			},
		),
		CacheBatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_batch_duration_seconds",
				Help:      "Cache store call duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		CacheDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_discarded_bids_total",
				Help:      "Bids discarded because the cache store failed or rejected them",
			},
			[]string{"bidder"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.AuctionsTotal,
		m.AuctionDuration,
		m.AuctionsInProgress,
		m.AdUnitEvents,
		m.BidsReceived,
		m.BidCPM,
		m.NoBids,
		m.BidsWon,
		m.BidderLatency,
		m.BidderTimeouts,
		m.OriginOutstanding,
		m.AdmissionQueued,
		m.CacheBatches,
		m.CacheBatchSize,
		m.CacheBatchDuration,
		m.CacheDiscarded,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler serving the metrics of g
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled by their chi route pattern when there is one.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		m.RequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func mediaType(b *bid.Bid) string {
	if b.MediaType == "" {
		return string(bid.MediaTypeBanner)
	}
	return string(b.MediaType)
}

// AuctionInit counts a started auction
func (m *Metrics) AuctionInit(auction.Snapshot) {
	m.AuctionsInProgress.Inc()
}

// BidResponse records a bid received from a bidder
func (m *Metrics) BidResponse(b *bid.Bid) {
	m.BidsReceived.WithLabelValues(b.BidderCode, mediaType(b)).Inc()
	m.BidCPM.WithLabelValues(b.BidderCode, mediaType(b)).Observe(b.CPM)
	if b.TimeToRespond > 0 {
		m.BidderLatency.WithLabelValues(b.BidderCode).Observe(b.TimeToRespond.Seconds())
	}
}

func (m *Metrics) NoBid(b *bid.Bid) {
	m.NoBids.WithLabelValues(b.BidderCode).Inc()
}

func (m *Metrics) AdUnitComplete(string, *auction.AdUnitResult) {
	m.AdUnitEvents.WithLabelValues("complete").Inc()
}

func (m *Metrics) AdUnitUpdated(string, *auction.AdUnitResult) {
	m.AdUnitEvents.WithLabelValues("updated").Inc()
}

// BidTimeout counts timed out bidders once per auction
func (m *Metrics) BidTimeout(_ string, timedOut []*bid.Bid) {
	seen := make(map[string]bool)
	for _, b := range timedOut {
		if seen[b.BidderCode] {
			continue
		}
		seen[b.BidderCode] = true
		m.BidderTimeouts.WithLabelValues(b.BidderCode).Inc()
	}
}

// AuctionEnd records auction outcome and duration
func (m *Metrics) AuctionEnd(s auction.Snapshot) {
	status := "completed"
	if s.TimedOut {
		status = "timed_out"
	}
	m.AuctionsInProgress.Dec()
	m.AuctionsTotal.WithLabelValues(status).Inc()
	if !s.Start.IsZero() && !s.End.IsZero() {
		m.AuctionDuration.WithLabelValues(status).Observe(s.End.Sub(s.Start).Seconds())
	}
}

func (m *Metrics) BidWon(b *bid.Bid) {
	m.BidsWon.WithLabelValues(b.BidderCode).Inc()
}

// Admitted tracks the ledger after a group was admitted
func (m *Metrics) Admitted(origin string, outstanding int) {
	m.OriginOutstanding.WithLabelValues(origin).Set(float64(outstanding))
}

// Queued counts a deferred group
func (m *Metrics) Queued(origin string, _ int) {
	m.AdmissionQueued.WithLabelValues(origin).Inc()
}

// Released tracks the ledger after capacity was returned
func (m *Metrics) Released(origin string, outstanding int) {
	m.OriginOutstanding.WithLabelValues(origin).Set(float64(outstanding))
}

// BatchFlushed records one cache store call
func (m *Metrics) BatchFlushed(size int, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CacheBatches.WithLabelValues(status).Inc()
	m.CacheBatchSize.Observe(float64(size))
	m.CacheBatchDuration.Observe(took.Seconds())
}

func (m *Metrics) BidDiscarded(bidderCode string) {
	m.CacheDiscarded.WithLabelValues(bidderCode).Inc()
}
