package middleware

import (
	"net/http"
)

// Default request limits
const (
	DefaultMaxBodySize  int64 = 1 << 20
	DefaultMaxURLLength       = 8192
)

// SizeLimitConfig holds request size limit configuration
type SizeLimitConfig struct {
	Enabled      bool
	MaxBodySize  int64 // bytes
	MaxURLLength int
}

// DefaultSizeLimitConfig returns default size limit configuration
func DefaultSizeLimitConfig() *SizeLimitConfig {
	return &SizeLimitConfig{
		Enabled:      true,
		MaxBodySize:  DefaultMaxBodySize,
		MaxURLLength: DefaultMaxURLLength,
	}
}

// SizeLimiter rejects oversized requests before they reach the auction handlers
type SizeLimiter struct {
	enabled bool
	maxBody int64
	maxURL  int
}

// NewSizeLimiter creates a new size limiter. Non-positive limits fall back to the defaults.
func NewSizeLimiter(config *SizeLimitConfig) *SizeLimiter {
	if config == nil {
		config = DefaultSizeLimitConfig()
	}
	sl := &SizeLimiter{
		enabled: config.Enabled,
		maxBody: config.MaxBodySize,
		maxURL:  config.MaxURLLength,
	}
	if sl.maxBody <= 0 {
		sl.maxBody = DefaultMaxBodySize
	}
	if sl.maxURL <= 0 {
		sl.maxURL = DefaultMaxURLLength
	}
	return sl
}

// Middleware returns the size limiting middleware handler
func (sl *SizeLimiter) Middleware(next http.Handler) http.Handler {
	if !sl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.String()) > sl.maxURL {
			jsonError(w, "URL too long", http.StatusRequestURITooLong)
			return
		}
		// an unknown length (-1) is enforced by the reader instead
		if r.ContentLength > sl.maxBody {
			jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, sl.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
