package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
)

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	prev := logger.Log
	logger.Log = zerolog.New(&buf).Level(zerolog.DebugLevel)
	defer func() { logger.Log = prev }()

	handler := RequestID(Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("busy"))
	})))

	req := httptest.NewRequest("POST", "/auction", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one json log line, got %q: %v", buf.String(), err)
	}
	if entry["level"] != "warn" {
		t.Errorf("expected warn level for 5xx, got %v", entry["level"])
	}
	if entry["status"] != float64(http.StatusServiceUnavailable) || entry["bytes"] != float64(4) {
		t.Errorf("unexpected entry %v", entry)
	}
	if entry["request_id"] != "req-1" {
		t.Errorf("expected request id in log, got %v", entry["request_id"])
	}
}
