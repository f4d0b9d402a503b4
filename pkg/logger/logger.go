// Package logger provides structured logging for the auctioneer
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const service = "auctioneer"

// ContextKey is the type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs
	RequestIDKey ContextKey = "request_id"
	// AuctionIDKey is the context key for auction IDs
	AuctionIDKey ContextKey = "auction_id"
)

// contextFields lists the context values copied onto loggers by FromContext
var contextFields = []ContextKey{RequestIDKey, AuctionIDKey}

// Log is the global logger instance
var Log = newLogger(os.Stdout, zerolog.InfoLevel)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string // time format for console output
	Output     io.Writer
}

// DefaultConfig returns json output at info level
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
	}
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", service).Logger()
}

// Init replaces the global logger. Unknown levels fall back to info.
func Init(cfg Config) {
	var output io.Writer = os.Stdout
	if cfg.Output != nil {
		output = cfg.Output
	}
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: cfg.TimeFormat}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	Log = newLogger(output, level)
}

// WithRequestID adds a request ID to the logger context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithAuctionID adds an auction ID to the logger context
func WithAuctionID(ctx context.Context, auctionID string) context.Context {
	return context.WithValue(ctx, AuctionIDKey, auctionID)
}

// FromContext returns a logger carrying the request and auction ids found in ctx
func FromContext(ctx context.Context) zerolog.Logger {
	l := Log.With()
	for _, key := range contextFields {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			l = l.Str(string(key), v)
		}
	}
	return l.Logger()
}

// Auction returns a logger for auction events
func Auction(auctionID string) zerolog.Logger {
	return Log.With().Str("auction_id", auctionID).Logger()
}

// Bidder returns a logger for bidder events
func Bidder(bidderCode string) zerolog.Logger {
	return Log.With().Str("bidder", bidderCode).Logger()
}

// Group returns a logger for one dispatch group of an auction
func Group(auctionID, bidderCode, groupID string) zerolog.Logger {
	return Log.With().
		Str("auction_id", auctionID).
		Str("bidder", bidderCode).
		Str("group_id", groupID).
		Logger()
}

// Component returns a logger tagged with a component name
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
