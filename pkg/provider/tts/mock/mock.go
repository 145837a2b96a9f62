// Package mock provides a test double for the tts package interface.
//
// Inspect SynthesizeCalls to verify the text, voice, and output path the
// caller requested. Set WriteFile to have the mock create the output file the
// way a real engine would.
package mock

import (
	"context"
	"os"
	"sync"

	"github.com/dwarpal/dwarpal/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Err, if non-nil, is returned as the error from every Synthesize call.
	Err error

	// WriteFile, when true, writes a placeholder file to the output path on
	// each successful call.
	WriteFile bool

	// Delay, if set, is waited before returning (subject to ctx cancellation).
	Delay func(ctx context.Context) error

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns Err.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) error {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Req: req})
	delay := p.Delay
	p.mu.Unlock()

	if delay != nil {
		if err := delay(ctx); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if p.WriteFile {
		if err := os.WriteFile(req.OutputPath, []byte("RIFF"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// CallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
