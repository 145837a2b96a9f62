package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the pipeline's failure taxonomy. Stages wrap these
// with context via fmt.Errorf("...: %w", err); callers branch with errors.Is.
var (
	// ErrTransientProvider marks a vision/STT/reply/TTS timeout or transport
	// failure. Recovered locally via bounded retry then degraded fallback;
	// never fatal to the session.
	ErrTransientProvider = errors.New("transient provider error")

	// ErrContractViolation marks provider output that fails schema or range
	// checks. Treated as transient on first occurrence; a second occurrence
	// within the same session fails the stage.
	ErrContractViolation = errors.New("provider contract violation")

	// ErrBackPressure is returned at ingress when a per-session queue is
	// full. Surfaced to callers as HTTP 429.
	ErrBackPressure = errors.New("session queue full")

	// ErrSecurityContract marks reply text that tripped the output filter
	// (occupancy-confirming, credential-echoing, or shell-injection
	// patterns). The reply is replaced with the canned safe line and the
	// incident audited.
	ErrSecurityContract = errors.New("reply violated security contract")
)

// StoreError wraps a persistence failure. The orchestrator retries the write
// once on a fresh transaction; a second failure marks the session error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err with the failing operation name.
func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}
