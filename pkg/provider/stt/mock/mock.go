// Package mock provides a test double for the stt package interface.
//
// Pre-populate Transcript with the result a test needs, then inspect
// TranscribeCalls to verify which clips were submitted.
package mock

import (
	"context"
	"sync"

	"github.com/dwarpal/dwarpal/pkg/provider/stt"
	"github.com/dwarpal/dwarpal/pkg/types"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Req is the request passed to Transcribe.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Transcript is returned by every Transcribe call.
	Transcript types.Transcript

	// Err, if non-nil, is returned as the error from every Transcribe call.
	Err error

	// Delay, if set, is waited before returning (subject to ctx cancellation).
	Delay func(ctx context.Context) error

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns Transcript, Err.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Req: req})
	delay := p.Delay
	p.mu.Unlock()

	if delay != nil {
		if err := delay(ctx); err != nil {
			return types.Transcript{}, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return types.Transcript{}, p.Err
	}
	return p.Transcript, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
