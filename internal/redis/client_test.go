package redis

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func TestNew_DiscreteSettings(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	client, err := New(context.Background(), Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestNew_URL(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := Config{URL: "redis://" + mr.Addr() + "/2", Host: "ignored", Port: 1}
	client, err := New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	if got := client.rdb.Options().DB; got != 2 {
		t.Errorf("expected db 2 from URL, got %d", got)
	}
	if got := cfg.Endpoint(); got != mr.Addr() {
		t.Errorf("expected endpoint %s, got %s", mr.Addr(), got)
	}
}

func TestNew_Errors(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad url", Config{URL: "http://example.com"}},
		{"unreachable", Config{URL: "redis://" + addr}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(context.Background(), tt.cfg, zap.NewNop()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestConfig_Endpoint(t *testing.T) {
	if got := (Config{Host: "cache", Port: 6380}).Endpoint(); got != "cache:6380" {
		t.Errorf("expected cache:6380, got %s", got)
	}
	if got := (Config{URL: "rediss://:secret@cache.example.com:6380"}).Endpoint(); got != "cache.example.com:6380" {
		t.Errorf("password must not leak into endpoint, got %s", got)
	}
}
