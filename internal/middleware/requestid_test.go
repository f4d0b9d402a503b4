package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
)

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(logger.RequestIDKey).(string)
	}))

	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated", "", false},
		{"client supplied", "req-123", true},
		{"too long", strings.Repeat("x", maxRequestIDLength+1), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/auction", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			got := rr.Header().Get(RequestIDHeader)
			if got == "" || got != seen {
				t.Fatalf("expected response id %q to match context id %q", got, seen)
			}
			if tt.keep && got != tt.incoming {
				t.Errorf("expected client id to be kept, got %q", got)
			}
			if !tt.keep && got == tt.incoming {
				t.Errorf("expected a generated id, got %q", got)
			}
		})
	}
}
