// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., a local whisper.cpp
// server or a hosted Whisper API) behind a single batch call: given a recorded
// doorbell utterance on disk it returns the transcript with a confidence
// score. Doorbell audio arrives as short complete clips, so there is no
// streaming interface.
//
// Implementations must be safe for concurrent use. Multiple sessions may
// transcribe at the same time.
package stt

import (
	"context"

	"github.com/dwarpal/dwarpal/pkg/types"
)

// Request describes one transcription job.
type Request struct {
	// AudioPath is the location of the audio clip (WAV or a provider-supported
	// encoded format). The file must be readable for the duration of the call.
	AudioPath string

	// Language is the BCP-47 language hint ("hi", "en"). An empty string lets
	// the provider auto-detect, if supported.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe decodes the clip described by req and returns the transcript.
	// An empty transcript with a nil error is a valid result (silent clip).
	//
	// Transcribe must respect ctx cancellation and deadlines.
	Transcribe(ctx context.Context, req Request) (types.Transcript, error)
}
