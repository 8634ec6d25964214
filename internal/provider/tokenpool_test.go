package provider

import (
	"testing"
	"time"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

func TestTokenPoolRoundRobin(t *testing.T) {
	pool := NewTokenPool([]string{"a", "b", "c"}, time.Minute)

	var got []string
	for range 4 {
		tok, err := pool.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, tok)
	}
	want := []string{"a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestTokenPoolSkipsCoolingTokens(t *testing.T) {
	pool := NewTokenPool([]string{"a", "b"}, time.Minute)
	pool.MarkLimited("a", time.Now().Add(time.Hour))

	for range 3 {
		tok, err := pool.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if tok != "b" {
			t.Fatalf("expected only b while a cools, got %s", tok)
		}
	}
}

func TestTokenPoolAllCoolingIsRateLimited(t *testing.T) {
	pool := NewTokenPool([]string{"a", "b"}, time.Minute)
	pool.MarkLimited("a", time.Now().Add(time.Hour))
	pool.MarkLimited("b", time.Now().Add(time.Hour))

	_, err := pool.Next()
	if err == nil {
		t.Fatalf("expected error when all tokens cool down")
	}
	if !ferrors.IsRateLimited(err) {
		t.Errorf("expected rate-limit classification, got %v", err)
	}
}

func TestTokenPoolCooldownExpires(t *testing.T) {
	pool := NewTokenPool([]string{"a"}, 10*time.Millisecond)
	// A reset time in the past falls back to the pool cooldown.
	pool.MarkLimited("a", time.Now().Add(-time.Second))

	if _, err := pool.Next(); err == nil {
		t.Fatalf("expected token cooling immediately after mark")
	}
	time.Sleep(30 * time.Millisecond)
	tok, err := pool.Next()
	if err != nil || tok != "a" {
		t.Fatalf("expected token back after cooldown, got %q err=%v", tok, err)
	}
}

func TestTokenPoolObserveZeroRemaining(t *testing.T) {
	pool := NewTokenPool([]string{"a", "b"}, time.Minute)
	pool.Observe("a", 0, time.Now().Add(time.Hour))

	tok, err := pool.Next()
	if err != nil || tok != "b" {
		t.Fatalf("expected b after observing a exhausted, got %q err=%v", tok, err)
	}

	// Nonzero remaining must not cool the token down.
	pool.Observe("b", 42, time.Now().Add(time.Hour))
	tok, err = pool.Next()
	if err != nil || tok != "b" {
		t.Fatalf("expected b to stay in rotation, got %q err=%v", tok, err)
	}
}

func TestTokenPoolEmpty(t *testing.T) {
	pool := NewTokenPool([]string{""}, time.Minute)
	if pool.Size() != 0 {
		t.Fatalf("empty token strings must be dropped, size=%d", pool.Size())
	}
	if _, err := pool.Next(); err == nil {
		t.Fatalf("expected error from empty pool")
	}
}
