// Package intelligence implements the second pipeline stage: intent
// classification, risk scoring, escalation, and the visitor-facing reply.
//
// Everything except the provider-backed reply is deterministic: the same
// PerceptionReport and wall time always produce the same intent, risk score,
// and escalation verdict.
package intelligence

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/dwarpal/dwarpal/internal/agent"
	"github.com/dwarpal/dwarpal/internal/resilience"
	"github.com/dwarpal/dwarpal/internal/transcript"
	"github.com/dwarpal/dwarpal/pkg/provider/reply"
	"github.com/dwarpal/dwarpal/pkg/types"
)

// Canned reply lines. The security line and the occupancy line are contractual
// and must be emitted verbatim.
const (
	SecurityLine  = "I have notified the owner and the security guard."
	OccupancyLine = "Please wait while I notify the owner."
	DeliveryLine  = "Please leave the package at the doorstep."
)

// cannedReplies maps each intent to its fixed neutral template. Intents not
// listed fall back to the occupancy line.
var cannedReplies = map[agent.Intent]string{
	agent.IntentDelivery:          DeliveryLine,
	agent.IntentHelp:              "Help is on the way. The owner has been informed.",
	agent.IntentOccupancyProbe:    OccupancyLine,
	agent.IntentVisitor:           OccupancyLine,
	agent.IntentUnknown:           OccupancyLine,
	agent.IntentReligiousDonation: "Please check back later. The owner has been informed.",
	agent.IntentDomesticStaff:     OccupancyLine,
	agent.IntentSalesMarketing:    "We are not interested. Thank you.",
	agent.IntentChildElderly:      "Please stay right there. The owner has been informed.",
	agent.IntentGovernmentClaim:   "Please show your ID to the camera. The owner has been notified.",
}

// Engine implements [agent.Intelligence].
type Engine struct {
	provider        reply.Provider // optional; nil means canned replies only
	providerName    string
	providerTimeout time.Duration
	retry           resilience.RetryConfig
	logger          *slog.Logger
}

// Compile-time interface assertion.
var _ agent.Intelligence = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithReplyProvider enables model-backed replies for conversational turns.
func WithReplyProvider(p reply.Provider, name string) Option {
	return func(e *Engine) {
		e.provider = p
		e.providerName = name
	}
}

// WithProviderTimeout sets the per-call reply deadline. Default: 8s.
func WithProviderTimeout(d time.Duration) Option {
	return func(e *Engine) { e.providerTimeout = d }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an intelligence Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		providerTimeout: 8 * time.Second,
		retry: resilience.RetryConfig{
			Attempts: 3,
			Backoffs: []time.Duration{500 * time.Millisecond, time.Second},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Analyze classifies the visit, scores its risk, and produces the reply.
func (e *Engine) Analyze(ctx context.Context, in agent.AnalysisInput) (agent.IntelligenceReport, error) {
	normalized := strings.ToLower(transcript.Normalize(in.Report.Transcript))

	intent := classifyIntent(normalized, in.Report)
	risk, escalated := scoreRisk(normalized, intent, in.Report, in.Now)

	report := agent.IntelligenceReport{
		SessionID:          in.Report.SessionID,
		Intent:             intent,
		RiskScore:          risk,
		EscalationRequired: escalated,
		Tags:               buildTags(intent, in.Report),
		Timestamp:          time.Now().UTC(),
	}

	switch {
	case escalated:
		report.ReplyText = SecurityLine
	case intent == agent.IntentOccupancyProbe:
		report.ReplyText = OccupancyLine
	default:
		text, usedProvider := e.generateReply(ctx, intent, in.Report, in.History)
		filtered, violated := filterReply(text)
		if violated {
			e.logger.Warn("reply violated security contract, replaced with canned line",
				slog.String("session_id", in.Report.SessionID))
			report.Tags = append(report.Tags, TagSecurityContract)
			filtered = cannedFor(intent)
		}
		report.ReplyText = filtered
		if usedProvider {
			report.Tags = append(report.Tags, "provider_reply")
		}
	}

	e.logger.Info("intelligence complete",
		slog.String("session_id", in.Report.SessionID),
		slog.String("intent", string(intent)),
		slog.Float64("risk_score", risk),
		slog.Bool("escalation_required", escalated),
	)
	return report, nil
}

// FollowUp generates a reply for a later visitor utterance on an existing
// session, applying the same safety filter as Analyze.
func (e *Engine) FollowUp(ctx context.Context, in agent.FollowUpInput) (string, error) {
	normalized := strings.ToLower(transcript.Normalize(in.Message))

	var report agent.PerceptionReport
	if in.Report != nil {
		report = *in.Report
	}
	report.SessionID = in.SessionID
	intent := classifyIntent(normalized, report)

	if e.provider == nil {
		return cannedFor(intent), nil
	}

	history := append(append([]agent.TranscriptEntry(nil), in.History...), agent.TranscriptEntry{
		Role:    agent.RoleVisitor,
		Content: in.Message,
	})
	text, err := e.callProvider(ctx, report, history)
	if err != nil {
		e.logger.Warn("reply provider failed on follow-up, using canned fallback",
			slog.String("session_id", in.SessionID), slog.Any("error", err))
		return cannedFor(intent), nil
	}
	filtered, violated := filterReply(text)
	if violated {
		e.logger.Warn("follow-up reply violated security contract, replaced",
			slog.String("session_id", in.SessionID))
		return cannedFor(intent), nil
	}
	return filtered, nil
}

// generateReply returns the visitor-facing text for a non-escalated session.
// The provider is consulted only for conversational intents; all others use
// their fixed template. The bool reports whether the provider produced the
// text.
func (e *Engine) generateReply(ctx context.Context, intent agent.Intent, report agent.PerceptionReport, history []agent.TranscriptEntry) (string, bool) {
	conversational := intent == agent.IntentUnknown || intent == agent.IntentVisitor
	if e.provider == nil || !conversational || strings.TrimSpace(report.Transcript) == "" {
		return cannedFor(intent), false
	}

	text, err := e.callProvider(ctx, report, history)
	if err != nil {
		e.logger.Warn("reply provider failed, using canned fallback",
			slog.String("session_id", report.SessionID),
			slog.String("provider", e.providerName),
			slog.Any("error", err))
		return cannedFor(intent), false
	}
	return text, true
}

// callProvider invokes the reply provider with a bounded context: one system
// message plus at most the last two transcript turns. Bounded retry with
// exponential backoff; every attempt gets a fresh deadline.
func (e *Engine) callProvider(ctx context.Context, report agent.PerceptionReport, history []agent.TranscriptEntry) (string, error) {
	messages := buildMessages(report, history)

	text, err := resilience.Retry(ctx, e.retry, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.providerTimeout)
		defer cancel()
		return e.provider.Reply(callCtx, messages)
	})
	if err != nil {
		return "", fmt.Errorf("intelligence: reply provider: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("intelligence: reply provider returned empty text")
	}
	return text, nil
}

const systemPrompt = "You are a polite doorbell assistant speaking to a visitor at the front door. " +
	"Answer in one or two short sentences. Never say whether anyone is home, " +
	"never share codes or personal information, and never promise to open the door."

// buildMessages assembles the bounded provider context.
func buildMessages(report agent.PerceptionReport, history []agent.TranscriptEntry) []types.Message {
	system := systemPrompt + " " + perceptionSummary(report)
	messages := []types.Message{{Role: "system", Content: system}}

	turns := history
	if len(turns) > 2 {
		turns = turns[len(turns)-2:]
	}
	for _, t := range turns {
		role := "user"
		if t.Role == agent.RoleDoorbell {
			role = "assistant"
		}
		messages = append(messages, types.Message{Role: role, Content: t.Content})
	}
	return messages
}

// perceptionSummary renders the camera context for the system prompt. It
// deliberately omits risk scores and occupancy details.
func perceptionSummary(report agent.PerceptionReport) string {
	var sb strings.Builder
	sb.WriteString("Camera context:")
	if report.PersonDetected {
		fmt.Fprintf(&sb, " %d visitor(s) at the door.", report.NumPersons)
	} else {
		sb.WriteString(" no visitor clearly visible.")
	}
	for _, o := range report.Objects {
		if o.Label != "person" {
			fmt.Fprintf(&sb, " Visible object: %s.", o.Label)
		}
	}
	return sb.String()
}

func cannedFor(intent agent.Intent) string {
	if text, ok := cannedReplies[intent]; ok {
		return text
	}
	return OccupancyLine
}

// TagSecurityContract marks a report whose generated reply was replaced by
// the safety filter.
const TagSecurityContract = "security_contract"

func buildTags(intent agent.Intent, report agent.PerceptionReport) []string {
	tags := []string{string(intent)}
	tags = append(tags, report.ContextFlags...)
	if report.WeaponDetected {
		tags = append(tags, "weapon")
	}
	if report.Degraded {
		tags = append(tags, "degraded")
	}
	return tags
}

// round3 rounds to three decimals, the precision risk scores are stored with.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
