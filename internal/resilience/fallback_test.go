package resilience

import (
	"errors"
	"testing"
	"time"
)

// fakeSTT stands in for a transcription backend in group tests.
type fakeSTT struct {
	name string
	err  error
}

func (f *fakeSTT) transcribe() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "namaste from " + f.name, nil
}

func newSTTGroup(primaryErr, fallbackErr error, cfg FallbackConfig) *FallbackGroup[*fakeSTT] {
	fg := NewFallbackGroup(&fakeSTT{name: "groq", err: primaryErr}, "groq", cfg)
	fg.AddFallback("static", &fakeSTT{name: "static", err: fallbackErr})
	return fg
}

func TestFallbackGroup_PrimaryServes(t *testing.T) {
	fg := newSTTGroup(nil, nil, FallbackConfig{})

	got, err := ExecuteWithResult(fg, func(p *fakeSTT) (string, error) {
		return p.transcribe()
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "namaste from groq" {
		t.Fatalf("transcript = %q, want the primary's", got)
	}
}

func TestFallbackGroup_FailoverToStatic(t *testing.T) {
	fg := newSTTGroup(errBackendDown, nil, FallbackConfig{})

	got, err := ExecuteWithResult(fg, func(p *fakeSTT) (string, error) {
		return p.transcribe()
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "namaste from static" {
		t.Fatalf("transcript = %q, want the static stand-in's", got)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := newSTTGroup(errBackendDown, errBackendDown, FallbackConfig{})

	_, err := ExecuteWithResult(fg, func(p *fakeSTT) (string, error) {
		return p.transcribe()
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_OpenBreakerSkipsPrimary(t *testing.T) {
	fg := newSTTGroup(errBackendDown, nil, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})

	// Trip the primary's breaker.
	for i := 0; i < 2; i++ {
		_, _ = ExecuteWithResult(fg, func(p *fakeSTT) (string, error) {
			return p.transcribe()
		})
	}

	// With the breaker open the primary must not even be reached.
	calls := 0
	got, err := ExecuteWithResult(fg, func(p *fakeSTT) (string, error) {
		calls++
		if p.name == "groq" {
			t.Error("primary called while its breaker is open")
		}
		return p.transcribe()
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "namaste from static" || calls != 1 {
		t.Fatalf("got %q after %d calls, want static after 1", got, calls)
	}
}

func TestFallbackGroup_Execute(t *testing.T) {
	fg := newSTTGroup(errBackendDown, nil, FallbackConfig{})

	var served string
	err := fg.Execute(func(p *fakeSTT) error {
		out, err := p.transcribe()
		served = out
		return err
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served != "namaste from static" {
		t.Fatalf("served = %q", served)
	}

	err = fg.Execute(func(*fakeSTT) error { return errBackendDown })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
