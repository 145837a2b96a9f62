// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns a sanitized reply line into an audio file that the
// doorbell speaker plays. Replies are short (a sentence or two), so the
// interface is a single batch call that writes a complete file; there is no
// streaming synthesis.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Request describes one synthesis job.
type Request struct {
	// Text is the sanitized line to speak. Callers sanitize before this point;
	// providers may assume printable text.
	Text string

	// Voice is the provider-specific voice identifier (e.g., "en", "hi").
	Voice string

	// OutputPath is where the synthesized audio file is written. The parent
	// directory must already exist.
	OutputPath string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize writes spoken audio for req.Text to req.OutputPath. On error
	// no usable file is guaranteed to exist at the output path.
	//
	// Synthesize must respect ctx cancellation and deadlines.
	Synthesize(ctx context.Context, req Request) error
}
