// Package decision implements the third pipeline stage: a pure rule
// evaluator that maps an IntelligenceReport to a Directive. No IO, no clock
// reads beyond the directive timestamp, no state.
package decision

import (
	"time"

	"github.com/dwarpal/dwarpal/internal/agent"
)

// Rule identifiers recorded in the Directive's reason field.
const (
	RuleEscalate  = "R1"
	RuleAutoReply = "R2"
	RuleMidRisk   = "R3"
	RuleDefault   = "R4"
)

// Engine implements [agent.Decision].
type Engine struct{}

// Compile-time interface assertion.
var _ agent.Decision = (*Engine)(nil)

// New creates a decision Engine.
func New() *Engine { return &Engine{} }

// Decide evaluates the rules in priority order; escalation always wins.
func (e *Engine) Decide(in agent.DecisionInput) agent.Directive {
	d := agent.Directive{
		SessionID: in.Report.SessionID,
		Timestamp: time.Now().UTC(),
	}
	risk := in.Report.RiskScore

	switch {
	case in.Report.EscalationRequired || risk >= 0.70:
		d.FinalAction = agent.ActionEscalate
		d.Reason = RuleEscalate
		d.Dispatch = agent.Dispatch{TTS: true, NotifyOwner: true, Escalate: true}
	case risk < 0.40 && in.AutoReplyPermitted:
		d.FinalAction = agent.ActionAutoReply
		d.Reason = RuleAutoReply
		d.Dispatch = agent.Dispatch{TTS: true}
	case risk >= 0.40 && risk < 0.70:
		d.FinalAction = agent.ActionNotifyOwner
		d.Reason = RuleMidRisk
		d.Dispatch = agent.Dispatch{NotifyOwner: true}
	default:
		d.FinalAction = agent.ActionNotifyOwner
		d.Reason = RuleDefault
		d.Dispatch = agent.Dispatch{NotifyOwner: true}
	}
	return d
}
