package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewService(t *testing.T) {
	t.Run("empty url disables redis", func(t *testing.T) {
		if s := NewService("", ""); s != nil {
			t.Error("Expected nil service for empty URL")
		}
	})

	t.Run("unreachable server disables redis", func(t *testing.T) {
		if s := NewService("127.0.0.1:1", ""); s != nil {
			t.Error("Expected nil service for unreachable server")
		}
	})

	t.Run("url form and host form", func(t *testing.T) {
		mr := miniredis.RunT(t)

		for _, url := range []string{mr.Addr(), "redis://" + mr.Addr() + "/0"} {
			s := NewService(url, "")
			if s == nil {
				t.Fatalf("Expected service for %s", url)
			}
			s.Close()
		}
	})
}

func TestServiceOperations(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewService(mr.Addr(), "")
	if s == nil {
		t.Fatal("Expected service")
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	mr.FastForward(30 * time.Second)
	got, err := s.GetEx(ctx, "k", time.Minute)
	if err != nil || got != "v" {
		t.Fatalf("GetEx = %q, %v", got, err)
	}
	if ttl := mr.TTL("k"); ttl != time.Minute {
		t.Errorf("Expected GetEx to reset TTL to 1m, got %v", ttl)
	}

	got, err = s.GetDel(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("GetDel = %q, %v", got, err)
	}

	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNil) {
		t.Errorf("Expected ErrNil after GetDel, got %v", err)
	}
}
