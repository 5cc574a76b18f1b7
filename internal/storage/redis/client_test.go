package redis

import (
	"testing"
	"time"
)

func TestOptionsPrefersURL(t *testing.T) {
	opts, err := options(Config{URL: "redis://:secret@cache:6380/2", Address: "ignored:6379"})
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Addr != "cache:6380" || opts.DB != 2 || opts.Password != "secret" {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestOptionsFromAddress(t *testing.T) {
	opts, err := options(Config{Address: "localhost:6379", DB: 1, DialTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.DB != 1 || opts.DialTimeout != 2*time.Second {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if _, err := options(Config{}); err == nil {
		t.Fatalf("expected error without address")
	}
}
