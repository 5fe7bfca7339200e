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

func TestExecute(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		failing map[string]bool
		want    string
		wantErr error
	}{
		{"primary succeeds", nil, "primary", nil},
		{"fails over", map[string]bool{"primary": true}, "secondary", nil},
		{"all fail", map[string]bool{"primary": true, "secondary": true}, "", ErrAllFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Execute(context.Background(), newGroup(3), nil, func(v string) (string, error) {
				if tc.failing[v] {
					return "", errTest
				}
				return v, nil
			})
			if !errors.Is(err, tc.wantErr) || got != tc.want {
				t.Errorf("Execute = %q, %v; want %q, %v", got, err, tc.want, tc.wantErr)
			}
			if tc.wantErr != nil && !errors.Is(err, errTest) {
				t.Errorf("err = %v; want the last provider error wrapped", err)
			}
		})
	}
}

func TestExecute_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := newGroup(2)
	var calls []string
	fn := func(v string) (string, error) {
		calls = append(calls, v)
		if v == "primary" {
			return "", errTest
		}
		return v, nil
	}

	for range 2 {
		_, _ = Execute(context.Background(), fg, nil, fn)
	}
	calls = nil
	if _, err := Execute(context.Background(), fg, nil, fn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Errorf("calls = %v; want only secondary once the primary breaker is open", calls)
	}
	if got := fg.Breaker("primary").State(); got != StateOpen {
		t.Errorf("primary breaker = %v; want open", got)
	}
}

func TestExecute_StopsEarly(t *testing.T) {
	t.Parallel()
	errFatal := errors.New("fatal")

	t.Run("stop predicate", func(t *testing.T) {
		t.Parallel()
		var calls int
		_, err := Execute(context.Background(), newGroup(3), func(err error) bool { return errors.Is(err, errFatal) },
			func(string) (int, error) {
				calls++
				return 0, errFatal
			})
		if !errors.Is(err, errFatal) || errors.Is(err, ErrAllFailed) {
			t.Errorf("err = %v; want errFatal unwrapped by ErrAllFailed", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d; want 1", calls)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		var calls int
		_, err := Execute(ctx, newGroup(3), nil, func(string) (int, error) {
			calls++
			cancel()
			return 0, context.Canceled
		})
		if !errors.Is(err, context.Canceled) || calls != 1 {
			t.Errorf("Execute = %v after %d calls; want context.Canceled after 1", err, calls)
		}
	})
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	fg := newGroup(1)
	fg.AddFallback("third", "third")
	names := fg.Names()
	if len(names) != 3 || names[0] != "primary" || names[2] != "third" {
		t.Errorf("Names = %v; want [primary secondary third]", names)
	}
	if fg.Primary() != "primary" {
		t.Errorf("Primary = %q; want primary", fg.Primary())
	}
	if fg.Breaker("missing") != nil {
		t.Error("Breaker(missing) should be nil")
	}
}
