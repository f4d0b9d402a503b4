package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLength bounds client supplied ids before they reach the logs
const maxRequestIDLength = 128

// RequestID tags each request with an id, reusing a client supplied one,
// stores it in the logger context and echoes it in the response
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}
