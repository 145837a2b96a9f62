// Package reply defines the Provider interface for conversational reply
// backends.
//
// A reply provider wraps a language model and produces the doorbell's spoken
// response to a visitor's follow-up utterance. The caller assembles the full
// bounded context (system prompt, recent turns, perception summary); the
// provider is a thin completion call and holds no conversation state.
//
// Implementations must be safe for concurrent use.
package reply

import (
	"context"

	"github.com/dwarpal/dwarpal/pkg/types"
)

// Provider is the abstraction over any reply-model backend.
type Provider interface {
	// Reply produces a single reply for the supplied conversation. The first
	// message carries the system prompt; the rest are alternating visitor and
	// doorbell turns. The returned text is unfiltered model output — the
	// caller applies its own output checks before speaking it.
	//
	// Reply must respect ctx cancellation and deadlines.
	Reply(ctx context.Context, messages []types.Message) (string, error)
}
