package provider

import (
	"sync"
	"time"

	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// TokenPool rotates provider credentials round-robin. A token whose quota is
// exhausted goes on a cooldown list keyed by the provider's reset time and is
// skipped until the window passes. When every token is cooling down,
// acquisition fails with a rate-limit error so the task runtime delays the
// retry instead of burning attempts.
type TokenPool struct {
	mu       sync.Mutex
	tokens   []*tokenState
	next     int
	cooldown time.Duration
}

type tokenState struct {
	value     string
	remaining int
	resetAt   time.Time
}

// NewTokenPool creates a pool over the configured tokens. fallbackCooldown
// applies when the provider rate-limits without announcing a reset time.
func NewTokenPool(tokens []string, fallbackCooldown time.Duration) *TokenPool {
	states := make([]*tokenState, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		states = append(states, &tokenState{value: t, remaining: -1})
	}
	if fallbackCooldown <= 0 {
		fallbackCooldown = time.Minute
	}
	return &TokenPool{tokens: states, cooldown: fallbackCooldown}
}

// Size returns the number of tokens in the pool.
func (p *TokenPool) Size() int {
	return len(p.tokens)
}

// Next returns the next usable token. Cooled-down tokens whose reset time
// has passed come back into rotation automatically.
func (p *TokenPool) Next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.tokens) == 0 {
		return "", ferrors.ConfigError("no provider tokens configured").Build()
	}

	now := time.Now()
	var earliest time.Time
	for range p.tokens {
		t := p.tokens[p.next]
		p.next = (p.next + 1) % len(p.tokens)
		if t.resetAt.IsZero() || !t.resetAt.After(now) {
			t.resetAt = time.Time{}
			return t.value, nil
		}
		if earliest.IsZero() || t.resetAt.Before(earliest) {
			earliest = t.resetAt
		}
	}
	return "", ferrors.RateLimitError("all provider tokens cooling down").
		WithContext("retry_after", time.Until(earliest).Truncate(time.Second).String()).
		Build()
}

// Observe records quota headers for a token. A token observed at zero
// remaining goes straight on cooldown until the announced reset.
func (p *TokenPool) Observe(token string, remaining int, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.find(token)
	if t == nil {
		return
	}
	t.remaining = remaining
	if remaining == 0 {
		t.resetAt = p.effectiveReset(resetAt)
	}
}

// MarkLimited puts a token on cooldown immediately, used when the provider
// answers a request with an explicit rate-limit status.
func (p *TokenPool) MarkLimited(token string, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.find(token)
	if t == nil {
		return
	}
	t.remaining = 0
	t.resetAt = p.effectiveReset(resetAt)
}

func (p *TokenPool) find(token string) *tokenState {
	for _, t := range p.tokens {
		if t.value == token {
			return t
		}
	}
	return nil
}

func (p *TokenPool) effectiveReset(resetAt time.Time) time.Time {
	if resetAt.IsZero() || !resetAt.After(time.Now()) {
		return time.Now().Add(p.cooldown)
	}
	return resetAt
}
