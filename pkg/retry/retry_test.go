package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(maxRetries int) *Config {
	return &Config{
		MaxRetries:      maxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func TestNew_WithNilConfig(t *testing.T) {
	r := New(nil)
	if r == nil {
		t.Fatal("New(nil) returned nil")
	}
	if r.config.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", r.config.MaxRetries)
	}
	if r.config.InitialInterval != 1*time.Second {
		t.Errorf("InitialInterval = %v, want 1s", r.config.InitialInterval)
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fastConfig(2), func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Errorf("error = %v, want ErrMaxAttemptsExceeded", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("error chain should keep the last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	fatal := errors.New("bad input")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		calls++
		return Permanent(fatal)
	})
	if !errors.Is(err, fatal) {
		t.Errorf("error = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastConfig(3), func(ctx context.Context) error {
		return errors.New("never reached after cancel")
	})
	if !errors.Is(err, ErrContextCanceled) {
		t.Errorf("error = %v, want ErrContextCanceled", err)
	}
}

func TestMarkers(t *testing.T) {
	base := errors.New("io failure")

	if !IsTransient(Transient(base)) {
		t.Error("IsTransient(Transient(err)) = false, want true")
	}
	if IsTransient(base) {
		t.Error("IsTransient(plain err) = true, want false")
	}
	if !IsPermanent(Permanent(base)) {
		t.Error("IsPermanent(Permanent(err)) = false, want true")
	}
	if !errors.Is(Transient(base), base) {
		t.Error("Transient should unwrap to the base error")
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestInterval_Caps(t *testing.T) {
	r := New(&Config{
		MaxRetries:      10,
		InitialInterval: time.Second,
		MaxInterval:     4 * time.Second,
		Multiplier:      2.0,
	})
	if got := r.interval(10); got > 4*time.Second {
		t.Errorf("interval(10) = %v, want <= 4s", got)
	}
}
