package redis

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNew_EmptyURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("http://localhost:6379")
	if err == nil {
		t.Fatal("expected error for non redis scheme")
	}
	if !strings.Contains(err.Error(), "invalid redis URL") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNew_UnreachableServer(t *testing.T) {
	prev := pingTimeout
	pingTimeout = 200 * time.Millisecond
	defer func() { pingTimeout = prev }()

	c, err := New("redis://127.0.0.1:1/2")
	if err != nil {
		t.Fatalf("expected client despite failed ping, got %v", err)
	}
	defer c.Close()

	if c.Address() != "127.0.0.1:1" {
		t.Errorf("expected address 127.0.0.1:1, got %s", c.Address())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := c.HGetAll(ctx, "bidders"); err == nil {
		t.Error("expected error from unreachable server")
	}
}
