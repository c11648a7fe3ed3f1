package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"cloudrelay/internal/domain"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory(time.Minute, time.Minute)
	ctx := context.Background()

	if _, ok, err := m.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	entries := []domain.ManifestEntry{{ID: "a", Name: "a.mp4", Size: 10}}
	if err := m.Set(ctx, "k", entries, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	entries[0].Name = "mutated"

	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got[0].Name != "a.mp4" {
		t.Fatalf("cache shares caller slice: %+v", got)
	}
	got[0].Name = "changed"
	again, _, _ := m.Get(ctx, "k")
	if again[0].Name != "a.mp4" {
		t.Fatalf("cache returned shared slice: %+v", again)
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d", m.Len())
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(time.Minute, time.Minute)
	ctx := context.Background()
	_ = m.Set(ctx, "short", []domain.ManifestEntry{{ID: "x"}}, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "short"); ok {
		t.Fatalf("entry should have expired")
	}
}

func TestRedisUnreachableIsAnError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	r := NewRedis(client)

	_, ok, err := r.Get(context.Background(), "k")
	if err == nil || ok {
		t.Fatalf("expected error from unreachable redis, got ok=%v err=%v", ok, err)
	}
	if err := r.Set(context.Background(), "k", nil, time.Minute); err == nil {
		t.Fatalf("expected Set error")
	}
	if err := r.Ping(context.Background()); err == nil {
		t.Fatalf("expected Ping error")
	}
}
