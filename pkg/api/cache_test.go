package api

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResponseCacheServesWithinTTL(t *testing.T) {
	cache := NewResponseCache(time.Minute)
	defer cache.Close()

	calls := 0
	loader := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte(`{"n":1}`), nil
	}

	first, err := cache.Get(context.Background(), "k", loader)
	if err != nil {
		t.Fatal(err)
	}
	second, err := cache.Get(context.Background(), "k", loader)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("loader must run once within the TTL, ran %d times", calls)
	}
	if string(first) != string(second) {
		t.Fatalf("cache returned different payloads: %q vs %q", first, second)
	}

	// Mutating the returned slice must not poison the cache.
	second[0] = 'X'
	third, err := cache.Get(context.Background(), "k", loader)
	if err != nil {
		t.Fatal(err)
	}
	if third[0] == 'X' {
		t.Fatal("cached bytes were shared with the caller")
	}
}

func TestResponseCacheExpiry(t *testing.T) {
	cache := NewResponseCache(time.Minute)
	defer cache.Close()

	current := time.Unix(1000, 0)
	cache.now = func() time.Time { return current }

	calls := 0
	loader := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("x"), nil
	}

	if _, err := cache.Get(context.Background(), "k", loader); err != nil {
		t.Fatal(err)
	}
	current = current.Add(2 * time.Minute)
	if _, err := cache.Get(context.Background(), "k", loader); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expired entry must be reloaded, loader ran %d times", calls)
	}
}

func TestResponseCacheLoaderError(t *testing.T) {
	cache := NewResponseCache(time.Minute)
	defer cache.Close()

	boom := errors.New("boom")
	_, err := cache.Get(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}

	// The failure must not be cached.
	data, err := cache.Get(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	if err != nil || string(data) != "ok" {
		t.Fatalf("expected recovery after error, got %q, %v", data, err)
	}
}

func TestNilCacheDisabled(t *testing.T) {
	var cache *ResponseCache
	if _, err := cache.Get(context.Background(), "k", nil); !errors.Is(err, errCacheDisabled) {
		t.Fatalf("expected errCacheDisabled, got %v", err)
	}
	cache.Close()
}
