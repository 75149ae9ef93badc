package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2.0,
		ShouldRetry:    RetryAll,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastConfig(5), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_StopsAfterExactlyMaxAttempts(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastConfig(5), func(_ context.Context) error {
		calls++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 5 {
		t.Errorf("expected 5 calls, got %d", calls)
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	cfg := fastConfig(5)
	cfg.ShouldRetry = nil // IsTransient

	var calls int
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return errors.New("permanent error: bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call (no retry for non-transient), got %d", calls)
	}
}

func TestDo_ContextCancelledStopsNewAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(5)
	cfg.InitialBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond

	var calls int
	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("expected no attempt after cancel, got %d calls", calls)
	}
}

func TestDo_OnRetryReportsDoublingDelays(t *testing.T) {
	cfg := fastConfig(5)
	cfg.InitialBackoff = 1 * time.Millisecond
	cfg.MaxBackoff = 4 * time.Millisecond

	var attempts []int
	var delays []time.Duration
	cfg.OnRetry = func(attempt int, delay time.Duration, _ error) {
		attempts = append(attempts, attempt)
		delays = append(delays, delay)
	}

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return errors.New("fail")
	})

	wantAttempts := []int{1, 2, 3, 4}
	wantDelays := []time.Duration{1 * time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond}
	if len(attempts) != len(wantAttempts) {
		t.Fatalf("expected %d OnRetry calls, got %d", len(wantAttempts), len(attempts))
	}
	for i := range wantAttempts {
		if attempts[i] != wantAttempts[i] || delays[i] != wantDelays[i] {
			t.Errorf("retry %d: got attempt=%d delay=%v, want attempt=%d delay=%v",
				i, attempts[i], delays[i], wantAttempts[i], wantDelays[i])
		}
	}
}

func TestDoVal_ReturnsValueOnSuccess(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastConfig(3), func(_ context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", NewTransientError(errors.New("fail"), 500)
		}
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "hello" {
		t.Errorf("expected %q, got %q", "hello", val)
	}
}

func TestDoVal_ReturnsZeroOnFailure(t *testing.T) {
	val, err := DoVal(context.Background(), fastConfig(2), func(_ context.Context) (int, error) {
		return 42, errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if val != 0 {
		t.Errorf("expected zero value on failure, got %d", val)
	}
}

func TestDelays_Monotonic(t *testing.T) {
	cfg := DefaultRetryConfig()
	delays := Delays(cfg)

	if len(delays) != cfg.MaxAttempts-1 {
		t.Fatalf("expected %d delays, got %d", cfg.MaxAttempts-1, len(delays))
	}
	if delays[0] != 500*time.Millisecond {
		t.Errorf("first delay = %v, want 500ms", delays[0])
	}
	for i := 1; i < len(delays); i++ {
		want := min(delays[i-1]*2, cfg.MaxBackoff)
		if delays[i] != want {
			t.Errorf("delay[%d] = %v, want min(2*%v, %v) = %v", i, delays[i], delays[i-1], cfg.MaxBackoff, want)
		}
	}
}

func TestDelays_CapsAtMax(t *testing.T) {
	cfg := FromMillis(10, 500, 10000, 0)
	for _, d := range Delays(cfg) {
		if d > 10*time.Second {
			t.Errorf("delay %v exceeds cap", d)
		}
	}
	got := Delays(cfg)
	if got[len(got)-1] != 10*time.Second {
		t.Errorf("expected schedule to reach the 10s cap, got %v", got[len(got)-1])
	}
}

func TestComputeBackoff_WithJitter(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.5,
	})

	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		d := computeBackoff(0, cfg)
		seen[d] = true
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Errorf("delay %v outside expected range [500ms, 1500ms]", d)
		}
	}
	if len(seen) < 2 {
		t.Error("expected jitter to produce varying delays")
	}
}

func TestFromMillis_Defaults(t *testing.T) {
	cfg := FromMillis(0, 0, 0, 0)
	def := DefaultRetryConfig()
	if cfg.MaxAttempts != def.MaxAttempts || cfg.InitialBackoff != def.InitialBackoff || cfg.MaxBackoff != def.MaxBackoff {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}
