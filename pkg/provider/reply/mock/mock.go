// Package mock provides a test double for the reply package interface.
//
// Pre-populate Text (or Texts for sequenced responses) with the replies a
// test needs, then inspect ReplyCalls to verify the conversation context the
// caller assembled.
package mock

import (
	"context"
	"sync"

	"github.com/dwarpal/dwarpal/pkg/provider/reply"
	"github.com/dwarpal/dwarpal/pkg/types"
)

// ReplyCall records a single invocation of Provider.Reply.
type ReplyCall struct {
	// Messages is a copy of the conversation passed to Reply.
	Messages []types.Message
}

// Provider is a mock implementation of reply.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned by Reply when Texts is exhausted or empty.
	Text string

	// Texts, if non-empty, is consumed one element per call.
	Texts []string

	// Err, if non-nil, is returned as the error from every Reply call.
	Err error

	// Errs, if non-empty, is consumed one element per call and overrides Err.
	// A nil element means success for that call.
	Errs []error

	// Delay, if set, is waited before returning (subject to ctx cancellation).
	Delay func(ctx context.Context) error

	// ReplyCalls records every call to Reply in order.
	ReplyCalls []ReplyCall
}

// Reply records the call and returns the next configured text or error.
func (p *Provider) Reply(ctx context.Context, messages []types.Message) (string, error) {
	p.mu.Lock()
	msgs := make([]types.Message, len(messages))
	copy(msgs, messages)
	p.ReplyCalls = append(p.ReplyCalls, ReplyCall{Messages: msgs})
	delay := p.Delay
	p.mu.Unlock()

	if delay != nil {
		if err := delay(ctx); err != nil {
			return "", err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.Errs) > 0 {
		err := p.Errs[0]
		p.Errs = p.Errs[1:]
		if err != nil {
			return "", err
		}
	} else if p.Err != nil {
		return "", p.Err
	}

	if len(p.Texts) > 0 {
		t := p.Texts[0]
		p.Texts = p.Texts[1:]
		return t, nil
	}
	return p.Text, nil
}

// CallCount returns the number of Reply calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ReplyCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReplyCalls = nil
}

// Ensure Provider implements reply.Provider at compile time.
var _ reply.Provider = (*Provider)(nil)
