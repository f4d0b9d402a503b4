// Package middleware provides HTTP middleware for the auction endpoints
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string // Empty means allow all (*). "*.example.com" matches subdomains.
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int // Preflight cache duration in seconds
}

// DefaultCORSConfig returns CORS configuration for pages calling the auction endpoint
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		Enabled:        true,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", RequestIDHeader, "Accept", "Origin"},
		ExposedHeaders: []string{RequestIDHeader},
		MaxAge:         86400,
	}
}

// CORS answers preflights and decorates responses for allowed page origins
type CORS struct {
	enabled     bool
	credentials bool
	anyOrigin   bool
	exact       map[string]bool
	suffixes    []string

	methods string
	headers string
	exposed string
	maxAge  string
}

// NewCORS compiles config into a middleware. A nil config uses the defaults.
func NewCORS(config *CORSConfig) *CORS {
	if config == nil {
		config = DefaultCORSConfig()
	}

	c := &CORS{
		enabled:     config.Enabled,
		credentials: config.AllowCredentials,
		anyOrigin:   len(config.AllowedOrigins) == 0,
		exact:       make(map[string]bool, len(config.AllowedOrigins)),
		methods:     strings.Join(config.AllowedMethods, ", "),
		headers:     strings.Join(config.AllowedHeaders, ", "),
		exposed:     strings.Join(config.ExposedHeaders, ", "),
	}
	if config.MaxAge > 0 {
		c.maxAge = strconv.Itoa(config.MaxAge)
	}
	for _, o := range config.AllowedOrigins {
		switch {
		case o == "*":
			c.anyOrigin = true
		case strings.HasPrefix(o, "*."):
			c.suffixes = append(c.suffixes, o[1:])
		default:
			c.exact[o] = true
		}
	}
	return c
}

// Middleware returns the CORS middleware handler
func (c *CORS) Middleware(next http.Handler) http.Handler {
	if !c.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Add("Vary", "Origin")

		origin := r.Header.Get("Origin")
		allowed := c.allows(origin)
		switch {
		case allowed && origin != "":
			h.Set("Access-Control-Allow-Origin", origin)
		case allowed:
			h.Set("Access-Control-Allow-Origin", "*")
		}
		if allowed && c.credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			c.preflight(h, r)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if c.exposed != "" {
			h.Set("Access-Control-Expose-Headers", c.exposed)
		}
		next.ServeHTTP(w, r)
	})
}

func (c *CORS) preflight(h http.Header, r *http.Request) {
	h.Set("Access-Control-Allow-Methods", c.methods)
	if r.Header.Get("Access-Control-Request-Headers") != "" {
		h.Set("Access-Control-Allow-Headers", c.headers)
	}
	if c.maxAge != "" {
		h.Set("Access-Control-Max-Age", c.maxAge)
	}
}

// allows reports whether a page on origin may call the endpoints
func (c *CORS) allows(origin string) bool {
	if c.anyOrigin {
		return true
	}
	if c.exact[origin] {
		return true
	}
	for _, suffix := range c.suffixes {
		if strings.HasSuffix(origin, suffix) {
			return true
		}
	}
	return false
}
