package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackendDown = errors.New("backend unreachable")

// fakeClock drives the breaker's reset timeout without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	cb := NewCircuitBreaker(cfg)
	clk := &fakeClock{t: time.Unix(1000, 0)}
	cb.now = clk.now
	return cb, clk
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return errBackendDown })
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "yolohttp"})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
		t.Errorf("defaults = %d/%v/%d, want 5/30s/3",
			cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v", cb.State())
	}
}

func TestCircuitBreaker_ClosedForwardsCalls(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "groq", MaxFailures: 3})

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Fatal("backend was not called")
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "yolohttp", MaxFailures: 3})

	trip(cb, 3)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after 3 failures, want open", cb.State())
	}

	// While open, the backend must not be reached.
	err := cb.Execute(func() error {
		t.Error("backend called while breaker open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessClearsFailureStreak(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "espeak", MaxFailures: 3})

	trip(cb, 2)
	_ = cb.Execute(func() error { return nil })
	trip(cb, 2)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (streak was interrupted)", cb.State())
	}
}

func TestCircuitBreaker_ProbesAfterResetTimeout(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{
		Name: "groq", MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMax: 2,
	})

	trip(cb, 2)
	if cb.State() != StateOpen {
		t.Fatal("want open")
	}

	clk.advance(61 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v after reset timeout, want half-open", cb.State())
	}

	// Enough successful probes close the breaker.
	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after probes, want closed", cb.State())
	}
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{
		Name: "yolohttp", MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMax: 3,
	})

	trip(cb, 2)
	clk.advance(2 * time.Minute)

	if err := cb.Execute(func() error { return errBackendDown }); err == nil {
		t.Fatal("failing probe returned nil")
	}

	cb.mu.Lock()
	state := cb.state
	cb.mu.Unlock()
	if state != StateOpen {
		t.Fatalf("state = %v after failed probe, want open", state)
	}

	// And the open window starts over from the failed probe.
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_ProbeBudgetExhausted(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{
		Name: "groq", MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 1,
	})

	trip(cb, 1)
	clk.advance(2 * time.Minute)

	// One slow probe in flight; a second concurrent call must be refused.
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error { <-release; return nil })
	}()

	// Wait for the probe to be admitted.
	for {
		cb.mu.Lock()
		admitted := cb.probes == 1
		cb.mu.Unlock()
		if admitted {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "espeak", MaxFailures: 2, ResetTimeout: time.Hour})

	trip(cb, 2)
	cb.Reset()

	if cb.State() != StateClosed {
		t.Fatalf("state = %v after reset, want closed", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
