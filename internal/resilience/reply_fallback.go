package resilience

import (
	"context"

	"github.com/dwarpal/dwarpal/pkg/provider/reply"
	"github.com/dwarpal/dwarpal/pkg/types"
)

// ReplyFallback implements [reply.Provider] with automatic failover across
// multiple reply-model backends. Each backend has its own circuit breaker.
type ReplyFallback struct {
	group *FallbackGroup[reply.Provider]
}

// Compile-time interface assertion.
var _ reply.Provider = (*ReplyFallback)(nil)

// NewReplyFallback creates a [ReplyFallback] with primary as the preferred
// backend.
func NewReplyFallback(primary reply.Provider, primaryName string, cfg FallbackConfig) *ReplyFallback {
	return &ReplyFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional reply provider as a fallback.
func (f *ReplyFallback) AddFallback(name string, provider reply.Provider) {
	f.group.AddFallback(name, provider)
}

// Reply generates a reply using the first healthy provider.
func (f *ReplyFallback) Reply(ctx context.Context, messages []types.Message) (string, error) {
	return ExecuteWithResult(f.group, func(p reply.Provider) (string, error) {
		return p.Reply(ctx, messages)
	})
}
