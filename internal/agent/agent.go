// Package agent defines the four pipeline stage contracts — Perception,
// Intelligence, Decision, Action — and the report types that flow between
// them.
//
// Each stage is a capability interface so that implementations can be
// injected and swapped without changing the pipeline: the orchestrator drives
// a session through the stages and persists each report as it is produced.
// Stages never call back into the orchestrator; events flow one way through
// the bus.
package agent

import (
	"context"
	"time"
)

// PerceptionInput carries the on-disk artifacts of one ring event.
type PerceptionInput struct {
	SessionID string

	// ImagePath is the stored snapshot. Empty when the ring carried no image.
	ImagePath string

	// AudioPath is the stored audio clip. Empty when the ring carried no audio.
	AudioPath string
}

// Perception analyses a snapshot and audio clip into a PerceptionReport.
//
// Implementations must be safe for concurrent use. A degraded report (zeroed
// confidences, empty transcript) is a valid success result; the caller
// enforces the wall-time budget through ctx.
type Perception interface {
	Perceive(ctx context.Context, in PerceptionInput) (PerceptionReport, error)
}

// AnalysisInput is the Intelligence stage's view of a session.
type AnalysisInput struct {
	Report PerceptionReport

	// History holds the most recent transcript turns, oldest first. Used to
	// bound the reply-model context; may be empty on the first turn.
	History []TranscriptEntry

	// Now is the local wall time used for the night-hour adjustment. The
	// orchestrator passes time.Now(); tests pass fixed instants.
	Now time.Time
}

// FollowUpInput carries a visitor's later utterance on an existing session.
type FollowUpInput struct {
	SessionID string
	Message   string

	// History holds recent transcript turns, oldest first.
	History []TranscriptEntry

	// Report is the stored perception report for the session, if any.
	Report *PerceptionReport
}

// Intelligence classifies intent, computes the risk score, decides
// escalation, and produces the visitor-facing reply.
//
// Implementations must be safe for concurrent use.
type Intelligence interface {
	// Analyze produces the IntelligenceReport for a completed perception
	// pass. The result is deterministic except for provider-backed replies.
	Analyze(ctx context.Context, in AnalysisInput) (IntelligenceReport, error)

	// FollowUp generates a reply for a later visitor utterance on the same
	// session, applying the same safety filters as Analyze.
	FollowUp(ctx context.Context, in FollowUpInput) (string, error)
}

// DecisionInput pairs an IntelligenceReport with the device policy the rules
// consult.
type DecisionInput struct {
	Report IntelligenceReport

	// AutoReplyPermitted reports whether the source device allows the
	// doorbell to answer low-risk visitors without involving the owner.
	AutoReplyPermitted bool
}

// Decision maps an IntelligenceReport to a Directive. Implementations are
// pure: no IO, no clock, no state.
type Decision interface {
	Decide(in DecisionInput) Directive
}

// ActionInput carries a Directive plus the upstream reports the executor
// needs to build payloads.
type ActionInput struct {
	Directive    Directive
	Intelligence IntelligenceReport
	Perception   PerceptionReport
}

// Action executes a Directive's side effects: TTS synthesis, owner
// notification, escalation. It never decides and never retries; failures are
// reported through ActionResult with StatusFailed and a non-nil error for the
// caller's log.
type Action interface {
	Execute(ctx context.Context, in ActionInput) (ActionResult, error)
}
