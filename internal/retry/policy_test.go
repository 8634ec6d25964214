package retry

import (
	"testing"
	"time"
)

// TestDefaultPolicy verifies the baseline default values.
func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Mode != ModeLinear {
		t.Fatalf("expected linear default mode got %s", p.Mode)
	}
	if p.Initial != time.Second {
		t.Fatalf("expected initial 1s got %v", p.Initial)
	}
	if p.Max != 30*time.Second {
		t.Fatalf("expected max 30s got %v", p.Max)
	}
	if p.MaxRetries != 2 {
		t.Fatalf("expected max retries 2 got %d", p.MaxRetries)
	}
}

// TestNewPolicyOverrides checks override precedence and clamping when initial > max.
func TestNewPolicyOverrides(t *testing.T) {
	p := NewPolicy(ModeFixed, 5*time.Second, 2*time.Second, 5)
	// initial > max -> clamped
	if p.Initial != 2*time.Second {
		t.Fatalf("expected clamped initial 2s got %v", p.Initial)
	}
	if p.Max != 2*time.Second {
		t.Fatalf("expected max 2s got %v", p.Max)
	}
	if p.Mode != ModeFixed {
		t.Fatalf("expected fixed mode got %s", p.Mode)
	}
	if p.MaxRetries != 5 {
		t.Fatalf("expected maxRetries 5 got %d", p.MaxRetries)
	}
}

// TestDelayModes ensures fixed, linear, exponential behave and respect cap.
func TestDelayModes(t *testing.T) {
	fixed := NewPolicy(ModeFixed, 100*time.Millisecond, 500*time.Millisecond, 3)
	for i := 1; i <= 3; i++ {
		if d := fixed.Delay(i); d != 100*time.Millisecond {
			t.Fatalf("fixed attempt %d expected 100ms got %v", i, d)
		}
	}

	linear := NewPolicy(ModeLinear, 100*time.Millisecond, 250*time.Millisecond, 5)
	// attempts: 1->100ms,2->200ms,3->cap 250ms,4->cap 250ms
	cases := []struct {
		attempt int
		want    time.Duration
	}{{1, 100 * time.Millisecond}, {2, 200 * time.Millisecond}, {3, 250 * time.Millisecond}, {4, 250 * time.Millisecond}}
	for _, c := range cases {
		if got := linear.Delay(c.attempt); got != c.want {
			t.Fatalf("linear attempt %d expected %v got %v", c.attempt, c.want, got)
		}
	}

	exp := NewPolicy(ModeExponential, 50*time.Millisecond, 160*time.Millisecond, 5)
	// 1->50,2->100,3->160 (cap),4->160
	expCases := []struct {
		attempt int
		want    time.Duration
	}{{1, 50 * time.Millisecond}, {2, 100 * time.Millisecond}, {3, 160 * time.Millisecond}, {4, 160 * time.Millisecond}}
	for _, c := range expCases {
		if got := exp.Delay(c.attempt); got != c.want {
			t.Fatalf("exp attempt %d expected %v got %v", c.attempt, c.want, got)
		}
	}
}

// TestTaskPolicy verifies the runtime's doubling schedule caps at the ceiling.
func TestTaskPolicy(t *testing.T) {
	p := TaskPolicy(2*time.Second, 10*time.Minute, 5)
	wants := []time.Duration{
		2 * time.Second,   // attempt 1
		4 * time.Second,   // attempt 2
		8 * time.Second,   // attempt 3
		16 * time.Second,  // attempt 4
		32 * time.Second,  // attempt 5
		64 * time.Second,  // attempt 6
		128 * time.Second, // attempt 7
		256 * time.Second, // attempt 8
		512 * time.Second, // attempt 9
		10 * time.Minute,  // attempt 10 (1024s capped)
	}
	for i, want := range wants {
		if got := p.Delay(i + 1); got != want {
			t.Fatalf("attempt %d expected %v got %v", i+1, want, got)
		}
	}
	// Very deep attempts must not overflow.
	if got := p.Delay(80); got != 10*time.Minute {
		t.Fatalf("deep attempt expected cap got %v", got)
	}
}

// TestDelayFloored covers the rate-limit floor semantics.
func TestDelayFloored(t *testing.T) {
	p := TaskPolicy(2*time.Second, 10*time.Minute, 10)
	floor := time.Minute

	// Before the threshold the plain schedule applies.
	if got := p.DelayFloored(3, floor, 5); got != 8*time.Second {
		t.Fatalf("attempt 3 expected 8s got %v", got)
	}
	// At the threshold the floor kicks in (32s < 60s).
	if got := p.DelayFloored(5, floor, 5); got != time.Minute {
		t.Fatalf("attempt 5 expected floor 1m got %v", got)
	}
	// Once the schedule exceeds the floor, the schedule wins.
	if got := p.DelayFloored(7, floor, 5); got != 128*time.Second {
		t.Fatalf("attempt 7 expected 128s got %v", got)
	}
	// Zero floorAt disables the floor.
	if got := p.DelayFloored(5, floor, 0); got != 32*time.Second {
		t.Fatalf("disabled floor expected 32s got %v", got)
	}
}

// TestExhausted checks the retry budget.
func TestExhausted(t *testing.T) {
	p := NewPolicy(ModeExponential, time.Second, time.Minute, 3)
	if p.Exhausted(3) {
		t.Fatal("attempt 3 of 3 should not be exhausted")
	}
	if !p.Exhausted(4) {
		t.Fatal("attempt 4 of 3 should be exhausted")
	}
}

// TestDelayEdgeCases ensures non-positive attempts yield zero and negative attempts don't panic.
func TestDelayEdgeCases(t *testing.T) {
	p := NewPolicy(ModeLinear, 10*time.Millisecond, 20*time.Millisecond, 1)
	if d := p.Delay(0); d != 0 {
		t.Fatalf("attempt 0 expected 0 got %v", d)
	}
	if d := p.Delay(-1); d != 0 {
		t.Fatalf("attempt -1 expected 0 got %v", d)
	}
}

// TestValidate covers validation error paths.
func TestValidate(t *testing.T) {
	badInitial := Policy{Mode: ModeLinear, Initial: 0, Max: time.Second, MaxRetries: 1}
	if err := badInitial.Validate(); err == nil {
		t.Fatalf("expected error for zero initial")
	}
	badMax := Policy{Mode: ModeLinear, Initial: time.Second, Max: 0, MaxRetries: 1}
	if err := badMax.Validate(); err == nil {
		t.Fatalf("expected error for zero max")
	}
	badRetries := Policy{Mode: ModeLinear, Initial: time.Second, Max: 2 * time.Second, MaxRetries: -1}
	if err := badRetries.Validate(); err == nil {
		t.Fatalf("expected error for negative retries")
	}
	good := Policy{Mode: ModeLinear, Initial: time.Second, Max: 2 * time.Second, MaxRetries: 0}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

// TestUnknownModeFallsBack leaves mode default when unknown string supplied.
func TestUnknownModeFallsBack(t *testing.T) {
	p := NewPolicy("weird", 250*time.Millisecond, 500*time.Millisecond, 1)
	if p.Mode != ModeLinear {
		t.Fatalf("unknown mode should fall back to linear got %s", p.Mode)
	}
	if NormalizeMode(" Exponential ") != ModeExponential {
		t.Fatal("expected case-insensitive mode normalization")
	}
	if NormalizeMode("bogus") != "" {
		t.Fatal("expected empty mode for unknown input")
	}
}
