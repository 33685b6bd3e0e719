package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newGroup(maxFailures int) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()
	fg := newGroup(3)
	var called string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = v
		return nil
	})
	if err != nil || called != "primary" {
		t.Fatalf("called = %q err = %v, want primary", called, err)
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	t.Parallel()
	fg := newGroup(3)
	got, err := Do(context.Background(), fg, func(_ context.Context, v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "from-" + v, nil
	})
	if err != nil || got != "from-secondary" {
		t.Fatalf("got %q err %v, want from-secondary", got, err)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()
	fg := newGroup(3)
	err := fg.Execute(context.Background(), func(context.Context, string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
	}
}

func TestFallbackGroup_SkipsOpenBackend(t *testing.T) {
	t.Parallel()
	fg := newGroup(2)
	primaryCalls := 0
	fn := func(_ context.Context, v string) error {
		if v == "primary" {
			primaryCalls++
			return errTest
		}
		return nil
	}
	for range 3 {
		if err := fg.Execute(context.Background(), fn); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if primaryCalls != 2 {
		t.Errorf("primary called %d times, want 2 before its breaker opened", primaryCalls)
	}
	if s := fg.States()["primary"]; s != StateOpen {
		t.Errorf("primary state = %v, want open", s)
	}
}

func TestFallbackGroup_CancelledContext(t *testing.T) {
	t.Parallel()
	fg := newGroup(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := fg.Execute(ctx, func(context.Context, string) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("err = %v called = %v, want context.Canceled without calls", err, called)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	names := newGroup(1).Names()
	if len(names) != 2 || names[0] != "primary" || names[1] != "secondary" {
		t.Fatalf("Names = %v", names)
	}
}

func TestAll(t *testing.T) {
	t.Parallel()
	fg := newGroup(1)
	fg.AddFallback("tertiary", "tertiary")
	fn := func(_ context.Context, v string) (string, error) {
		if v == "secondary" {
			return "", errTest
		}
		return "from-" + v, nil
	}

	got, err := All(context.Background(), fg, fn)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(got) != 2 || got[0] != "from-primary" || got[1] != "from-tertiary" {
		t.Errorf("results = %v, want primary and tertiary", got)
	}
	if st := fg.States()["secondary"]; st != StateOpen {
		t.Errorf("secondary breaker = %v, want open", st)
	}

	calls := 0
	if _, err := All(context.Background(), fg, func(_ context.Context, v string) (string, error) {
		calls++
		return "", errTest
	}); !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 with the secondary breaker open", calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := All(ctx, fg, fn); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
