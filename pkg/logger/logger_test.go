package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(Config{Level: "info", Output: &bytes.Buffer{}})

	log := Auction("a-1")
	log.Info().Msg("auction started")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if entry["auction_id"] != "a-1" {
		t.Errorf("expected auction_id a-1, got %v", entry["auction_id"])
	}
	if entry["service"] != "auctioneer" {
		t.Errorf("expected service field, got %v", entry["service"])
	}
}

func TestInitInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "loud", Output: &buf})
	defer Init(Config{Level: "info", Output: &bytes.Buffer{}})

	Log.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected debug line to be filtered, got %q", buf.String())
	}

	Log.Info().Msg("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("expected info line, got %q", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Output: &buf})
	defer Init(Config{Level: "info", Output: &bytes.Buffer{}})

	ctx := WithAuctionID(WithRequestID(context.Background(), "req-9"), "auc-9")
	l := FromContext(ctx)
	l.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-9"`) {
		t.Errorf("expected request id in %q", out)
	}
	if !strings.Contains(out, `"auction_id":"auc-9"`) {
		t.Errorf("expected auction id in %q", out)
	}
}

func TestGroup(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Output: &buf})
	defer Init(Config{Level: "info", Output: &bytes.Buffer{}})

	log := Group("auc-1", "appnexus", "grp-1")
	log.Info().Msg("dispatched")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	for field, want := range map[string]string{"auction_id": "auc-1", "bidder": "appnexus", "group_id": "grp-1"} {
		if entry[field] != want {
			t.Errorf("expected %s=%s, got %v", field, want, entry[field])
		}
	}
}

func TestFromContextSkipsEmptyValues(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Output: &buf})
	defer Init(Config{Level: "info", Output: &bytes.Buffer{}})

	l := FromContext(WithAuctionID(context.Background(), ""))
	l.Info().Msg("hello")

	if strings.Contains(buf.String(), "auction_id") {
		t.Errorf("expected no auction id in %q", buf.String())
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != "info" || cfg.Format != "json" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
