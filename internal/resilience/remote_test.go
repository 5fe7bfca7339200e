package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/companion/internal/resilience"
	"github.com/MrWong99/companion/pkg/remote"
	remotemock "github.com/MrWong99/companion/pkg/remote/mock"
)

var errRefused = errors.New("connection refused")

func TestRemote_Name(t *testing.T) {
	t.Parallel()
	r := resilience.NewRemote(&remotemock.Provider{ProviderName: "gemini-live"}, resilience.FallbackConfig{})
	r.AddFallback(&remotemock.Provider{ProviderName: "openai-realtime"})
	if got := r.Name(); got != "gemini-live>openai-realtime" {
		t.Errorf("Name = %q; want gemini-live>openai-realtime", got)
	}
}

func TestRemote_FailsOverOnOpen(t *testing.T) {
	t.Parallel()
	primary := &remotemock.Provider{ProviderName: "primary", OpenErr: errRefused}
	backup := &remotemock.Provider{ProviderName: "backup", AutoOpen: true}
	r := resilience.NewRemote(primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	r.AddFallback(backup)

	for i := range 3 {
		ch, err := r.Open(context.Background(), remote.Config{Instructions: fmt.Sprint(i)})
		if err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
		if ch != backup.Last() {
			t.Fatalf("Open %d returned a channel not from the backup", i)
		}
	}
	if primary.OpenCount() != 2 {
		t.Errorf("primary opens = %d; want 2 before its breaker opened", primary.OpenCount())
	}
	if got := r.Breaker("primary").State(); got != resilience.StateOpen {
		t.Errorf("primary breaker = %v; want open", got)
	}
	if got := backup.OpenCalls[2].Cfg.Instructions; got != "2" {
		t.Errorf("backup config = %q; want the caller's config", got)
	}
}

func TestRemote_AllFailKeepsCause(t *testing.T) {
	t.Parallel()
	r := resilience.NewRemote(&remotemock.Provider{ProviderName: "a", OpenErr: errRefused}, resilience.FallbackConfig{})
	r.AddFallback(&remotemock.Provider{ProviderName: "b", OpenErr: errRefused})

	_, err := r.Open(context.Background(), remote.Config{})
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, errRefused) {
		t.Errorf("Open = %v; want ErrAllFailed wrapping the refusal", err)
	}
}

func TestRemote_InvalidConfigDoesNotFailOver(t *testing.T) {
	t.Parallel()
	invalid := fmt.Errorf("%w: empty voice", remote.ErrInvalidConfig)
	primary := &remotemock.Provider{ProviderName: "a", OpenErr: invalid}
	backup := &remotemock.Provider{ProviderName: "b", AutoOpen: true}
	r := resilience.NewRemote(primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1},
	})
	r.AddFallback(backup)

	for range 2 {
		if _, err := r.Open(context.Background(), remote.Config{}); !errors.Is(err, remote.ErrInvalidConfig) {
			t.Fatalf("Open = %v; want ErrInvalidConfig", err)
		}
	}
	if backup.OpenCount() != 0 {
		t.Errorf("backup opens = %d; want 0", backup.OpenCount())
	}
	if got := r.Breaker("a").State(); got != resilience.StateClosed {
		t.Errorf("primary breaker = %v; want closed", got)
	}
}
