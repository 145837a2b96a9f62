// Package types defines the shared value types used across all dwarpal packages.
//
// These types form the lingua franca between providers, agents, and the
// orchestrator. They are intentionally minimal — each package defines its own
// domain types, but cross-cutting data structures live here to avoid circular
// imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Language is the BCP-47 tag reported by the provider ("hi", "en", ...).
	// Empty when the provider does not detect language.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Duration is the length of the decoded audio.
	Duration time.Duration
}

// Detection is a single object detected in a doorbell snapshot.
type Detection struct {
	// Label is the detector's class name ("person", "knife", "box", ...).
	Label string

	// Confidence is the detector's score for this box (0.0–1.0).
	Confidence float64

	// Box is the bounding box in pixel coordinates: x1, y1, x2, y2.
	Box [4]int
}

// VisionResult is the full output of one vision inference pass.
type VisionResult struct {
	// Detections lists all boxes above the detector's confidence floor.
	Detections []Detection

	// AnnotatedPath is the path of the annotated snapshot written by the
	// detector, if it produces one. Empty otherwise.
	AnnotatedPath string
}

// Message represents a single message in a reply-model conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Speech is the result of a text-to-speech synthesis call.
type Speech struct {
	// Path is the location of the synthesized audio file.
	Path string

	// Voice is the voice identifier that was used.
	Voice string
}
