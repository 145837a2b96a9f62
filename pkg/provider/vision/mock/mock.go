// Package mock provides a test double for the vision package interface.
//
// Pre-populate Result (or Results keyed by image path) with the detections a
// test needs, then inspect DetectCalls to verify which images were analysed.
package mock

import (
	"context"
	"sync"

	"github.com/dwarpal/dwarpal/pkg/provider/vision"
	"github.com/dwarpal/dwarpal/pkg/types"
)

// DetectCall records a single invocation of Provider.Detect.
type DetectCall struct {
	// ImagePath is the path passed to Detect.
	ImagePath string
}

// Provider is a mock implementation of vision.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Detect when Results has no entry for the path.
	Result types.VisionResult

	// Results maps image paths to per-path results.
	Results map[string]types.VisionResult

	// Err, if non-nil, is returned as the error from every Detect call.
	Err error

	// Delay, if set, is waited before returning (subject to ctx cancellation).
	Delay func(ctx context.Context) error

	// DetectCalls records every call to Detect in order.
	DetectCalls []DetectCall
}

// Detect records the call and returns the configured result or error.
func (p *Provider) Detect(ctx context.Context, imagePath string) (types.VisionResult, error) {
	p.mu.Lock()
	p.DetectCalls = append(p.DetectCalls, DetectCall{ImagePath: imagePath})
	delay := p.Delay
	p.mu.Unlock()

	if delay != nil {
		if err := delay(ctx); err != nil {
			return types.VisionResult{}, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return types.VisionResult{}, p.Err
	}
	if r, ok := p.Results[imagePath]; ok {
		return r, nil
	}
	return p.Result, nil
}

// CallCount returns the number of Detect calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.DetectCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DetectCalls = nil
}

// Ensure Provider implements vision.Provider at compile time.
var _ vision.Provider = (*Provider)(nil)
