package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dwarpal/dwarpal/internal/agent"
	"github.com/dwarpal/dwarpal/internal/agent/intelligence"
	"github.com/dwarpal/dwarpal/internal/bus"
	"github.com/dwarpal/dwarpal/internal/store"
)

// maxAuditReason truncates stage failure text stored in audit rows.
const maxAuditReason = 500

// runPipeline is the per-session task: it holds one semaphore slot, drains
// the session queue event by event, and closes the session after the idle
// timeout.
func (o *Orchestrator) runPipeline(sessionID string, task *sessionTask) {
	defer o.wg.Done()
	defer close(task.done)
	defer func() {
		// A fresh task may already have replaced this one; only remove our own
		// registration.
		o.mu.Lock()
		if o.tasks[sessionID] == task {
			delete(o.tasks, sessionID)
		}
		o.mu.Unlock()
	}()

	acquireCtx, cancel := context.WithTimeout(o.root, semaphoreAcquireTimeout)
	err := o.slots.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		o.failSession(sessionID, "orchestrator", fmt.Errorf("no pipeline slot within %s: %w", semaphoreAcquireTimeout, err))
		return
	}
	defer o.slots.Release(1)

	o.metrics.ActiveSessions.Add(o.root, 1)
	defer o.metrics.ActiveSessions.Add(context.Background(), -1)

	idle := time.NewTimer(o.currentIdleTimeout())
	defer idle.Stop()

	// Contract violations are tolerated once per session; the second fails
	// the stage.
	violations := 0

	for {
		select {
		case item := <-task.queue:
			o.metrics.QueuedTasks.Add(o.root, -1)
			if !o.processRing(sessionID, item, &violations) {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(o.currentIdleTimeout())

		case <-idle.C:
			// A ring may have been enqueued in the window between the timer
			// firing and this task deregistering. Deregister under the lock and
			// keep going if anything slipped in; Ring enqueues under the same
			// lock, so after the delete new rings start a fresh task.
			o.mu.Lock()
			if len(task.queue) > 0 {
				o.mu.Unlock()
				idle.Reset(o.currentIdleTimeout())
				continue
			}
			delete(o.tasks, sessionID)
			o.mu.Unlock()

			o.publishSession(sessionID, bus.Event{
				Type:      bus.EventSessionEnded,
				SessionID: sessionID,
				Payload:   map[string]any{"reason": "inactive"},
			})
			return

		case <-o.root.Done():
			o.cancelSession(sessionID)
			return
		}
	}
}

// processRing drives one ring event through the four stages. It returns
// false when the session entered a terminal error state and the task should
// exit.
func (o *Orchestrator) processRing(sessionID string, item queuedRing, violations *int) bool {
	ctx := o.root
	start := time.Now()

	// A burst can queue rings behind one that already completed the session;
	// terminal sessions ignore the extras.
	if sess, err := o.store.GetSession(ctx, sessionID); err == nil && sess.Status.Terminal() {
		o.audit(ctx, sessionID, "orchestrator", "ring_ignored", string(sess.Status), "session already terminal")
		return true
	}

	if !o.advance(ctx, sessionID, "orchestrator", agent.StatusProcessing, store.StatusFields{}, nil) {
		return false
	}

	// --- Perception ---
	stageStart := time.Now()
	report, ok := o.runPerception(ctx, sessionID, item)
	if !ok {
		return false
	}
	if err := validatePerception(report); err != nil {
		*violations++
		if *violations > 1 {
			o.failSession(sessionID, "perception", fmt.Errorf("repeated contract violation: %w", err))
			return false
		}
		o.logger.Warn("perception contract violation, using degraded report",
			slog.String("session_id", sessionID), slog.Any("error", err))
		report = agent.DegradedReport(sessionID, item.ImagePath, item.AudioPath != "")
	}

	stored, err := o.putPerception(ctx, report)
	if err != nil {
		o.failSession(sessionID, "perception", err)
		return false
	}
	report = stored
	o.metrics.RecordStage(ctx, "perception", time.Since(stageStart).Seconds())

	if report.WeaponDetected {
		o.metrics.WeaponAlerts.Add(ctx, 1)
		o.publishSession(sessionID, bus.Event{
			Type:      bus.EventWeaponAlert,
			SessionID: sessionID,
			Payload: map[string]any{
				"weapon_labels":     report.WeaponLabels,
				"weapon_confidence": report.WeaponConfidence,
				"image_path":        o.assets.Rel(report.ImagePath),
			},
		})
	}
	o.upsertVisitor(ctx, store.Visitor{
		SessionID: sessionID,
		ImagePath: o.assets.Rel(report.ImagePath),
	})
	if !o.advance(ctx, sessionID, "perception", agent.StatusPerceptionDone, store.StatusFields{}, nil) {
		return false
	}

	if report.Transcript != "" {
		o.appendTranscript(ctx, sessionID, agent.RoleVisitor, report.Transcript)
	}

	// --- Intelligence ---
	stageStart = time.Now()
	intel, err := o.runIntelligence(ctx, sessionID, report)
	if err != nil {
		o.failSession(sessionID, "intelligence", err)
		return false
	}
	if err := validateIntelligence(intel); err != nil {
		*violations++
		if *violations > 1 {
			o.failSession(sessionID, "intelligence", fmt.Errorf("repeated contract violation: %w", err))
			return false
		}
		o.logger.Warn("intelligence contract violation, using fallback report",
			slog.String("session_id", sessionID), slog.Any("error", err))
		intel = fallbackIntelligence(sessionID)
	}

	intel, err = o.putIntelligence(ctx, intel)
	if err != nil {
		o.failSession(sessionID, "intelligence", err)
		return false
	}
	o.metrics.RecordStage(ctx, "intelligence", time.Since(stageStart).Seconds())

	o.appendTranscript(ctx, sessionID, agent.RoleDoorbell, intel.ReplyText)
	o.upsertVisitor(ctx, store.Visitor{
		SessionID: sessionID,
		ImagePath: o.assets.Rel(report.ImagePath),
		Type:      string(intel.Intent),
		Summary:   visitorSummary(intel, report),
	})
	// The reply rides the stage event so listeners can show the greeting the
	// moment it exists; risk stays off the wire.
	if !o.advance(ctx, sessionID, "intelligence", agent.StatusIntelligenceDone, store.StatusFields{RiskScore: &intel.RiskScore}, map[string]any{"reply": intel.ReplyText}) {
		return false
	}

	// --- Decision ---
	stageStart = time.Now()
	directive := o.decision.Decide(agent.DecisionInput{
		Report:             intel,
		AutoReplyPermitted: o.autoReplyPermitted(),
	})
	directive, err = o.putDecision(ctx, directive)
	if err != nil {
		o.failSession(sessionID, "decision", err)
		return false
	}
	o.metrics.RecordStage(ctx, "decision", time.Since(stageStart).Seconds())
	if !o.advance(ctx, sessionID, "decision", agent.StatusDecisionDone, store.StatusFields{FinalAction: &directive.FinalAction}, nil) {
		return false
	}

	// --- Action ---
	stageStart = time.Now()
	result := o.runAction(ctx, sessionID, directive, intel, report)
	o.storeActionResult(ctx, result)
	o.metrics.RecordStage(ctx, "action", time.Since(stageStart).Seconds())

	if !o.advance(ctx, sessionID, "action", agent.StatusCompleted, store.StatusFields{
		RiskScore:   &intel.RiskScore,
		FinalAction: &directive.FinalAction,
	}, nil) {
		return false
	}

	o.publishSession(sessionID, bus.Event{
		Type:      bus.EventSessionEnded,
		SessionID: sessionID,
		Payload:   map[string]any{"reason": "completed", "final_action": string(directive.FinalAction)},
	})
	o.metrics.PipelineDuration.Record(ctx, time.Since(start).Seconds())
	o.metrics.RecordCompletion(ctx, string(agent.StatusCompleted), string(directive.FinalAction))
	return true
}

// runPerception calls the perception stage under the CPU pool with the
// provider deadline; timeout or failure degrades instead of failing.
func (o *Orchestrator) runPerception(ctx context.Context, sessionID string, item queuedRing) (agent.PerceptionReport, bool) {
	if err := o.cpuPool.Acquire(ctx, 1); err != nil {
		o.cancelSession(sessionID)
		return agent.PerceptionReport{}, false
	}
	defer o.cpuPool.Release(1)

	stageCtx, cancel := context.WithTimeout(ctx, o.providerTimeout)
	defer cancel()

	report, err := o.perception.Perceive(stageCtx, agent.PerceptionInput{
		SessionID: sessionID,
		ImagePath: item.ImagePath,
		AudioPath: item.AudioPath,
	})
	if err != nil {
		if ctx.Err() != nil {
			o.cancelSession(sessionID)
			return agent.PerceptionReport{}, false
		}
		o.logger.Warn("perception stage degraded",
			slog.String("session_id", sessionID), slog.Any("error", err))
		report = agent.DegradedReport(sessionID, item.ImagePath, item.AudioPath != "")
	}
	return report, true
}

// runIntelligence calls the intelligence stage with room for the engine's
// internal provider retries; failure falls back to the canned report.
func (o *Orchestrator) runIntelligence(ctx context.Context, sessionID string, report agent.PerceptionReport) (agent.IntelligenceReport, error) {
	history, err := o.store.ListTranscripts(ctx, sessionID)
	if err != nil {
		o.logger.Warn("transcript history unavailable",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}

	// Three provider attempts plus backoff fit inside this window.
	stageCtx, cancel := context.WithTimeout(ctx, 3*o.providerTimeout+2*time.Second)
	defer cancel()

	intel, err := o.intel.Analyze(stageCtx, agent.AnalysisInput{
		Report:  report,
		History: history,
		Now:     time.Now(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return agent.IntelligenceReport{}, fmt.Errorf("cancelled: %w", ctx.Err())
		}
		o.logger.Warn("intelligence stage degraded, using canned fallback",
			slog.String("session_id", sessionID), slog.Any("error", err))
		return fallbackIntelligence(sessionID), nil
	}
	return intel, nil
}

// runAction calls the action stage under the CPU pool with its own deadline.
// Failures become a failed result; they never fail the session.
func (o *Orchestrator) runAction(ctx context.Context, sessionID string, directive agent.Directive, intel agent.IntelligenceReport, report agent.PerceptionReport) agent.ActionResult {
	if err := o.cpuPool.Acquire(ctx, 1); err != nil {
		return agent.ActionResult{
			SessionID:  sessionID,
			ActionType: directive.FinalAction,
			Status:     agent.ActionFailed,
			Payload:    map[string]any{"error": err.Error()},
			Timestamp:  time.Now().UTC(),
		}
	}
	defer o.cpuPool.Release(1)

	stageCtx, cancel := context.WithTimeout(ctx, o.actionTimeout)
	defer cancel()

	result, err := o.action.Execute(stageCtx, agent.ActionInput{
		Directive:    directive,
		Intelligence: intel,
		Perception:   report,
	})
	if err != nil {
		o.logger.Warn("action stage failed",
			slog.String("session_id", sessionID),
			slog.String("final_action", string(directive.FinalAction)),
			slog.Any("error", err))
	}
	return result
}

// fallbackIntelligence is the canned report used when the stage itself fails.
func fallbackIntelligence(sessionID string) agent.IntelligenceReport {
	return agent.IntelligenceReport{
		SessionID: sessionID,
		Intent:    agent.IntentUnknown,
		ReplyText: intelligence.OccupancyLine,
		RiskScore: 0.5,
		Tags:      []string{string(agent.IntentUnknown), "fallback"},
		Timestamp: time.Now().UTC(),
	}
}

// validatePerception checks the provider's output against its contract.
func validatePerception(r agent.PerceptionReport) error {
	switch {
	case r.VisionConfidence < 0 || r.VisionConfidence > 1:
		return fmt.Errorf("vision_confidence %v out of range", r.VisionConfidence)
	case r.STTConfidence < 0 || r.STTConfidence > 1:
		return fmt.Errorf("stt_confidence %v out of range", r.STTConfidence)
	case r.AntiSpoofScore < 0 || r.AntiSpoofScore > 1:
		return fmt.Errorf("anti_spoof_score %v out of range", r.AntiSpoofScore)
	case !r.Emotion.IsValid():
		return fmt.Errorf("unknown emotion %q", r.Emotion)
	}
	return nil
}

// validateIntelligence checks the stage output against its contract.
func validateIntelligence(r agent.IntelligenceReport) error {
	switch {
	case r.RiskScore < 0 || r.RiskScore > 1:
		return fmt.Errorf("risk_score %v out of range", r.RiskScore)
	case !r.Intent.IsValid():
		return fmt.Errorf("unknown intent %q", r.Intent)
	case r.ReplyText == "":
		return errors.New("empty reply_text")
	}
	return nil
}

// putPerception stores the report, retrying once on store failure.
func (o *Orchestrator) putPerception(ctx context.Context, r agent.PerceptionReport) (agent.PerceptionReport, error) {
	stored, err := o.store.PutPerception(ctx, r)
	if err != nil {
		o.logger.Warn("perception store failed, retrying once", slog.Any("error", err))
		stored, err = o.store.PutPerception(ctx, r)
	}
	if err != nil {
		return agent.PerceptionReport{}, agent.NewStoreError("put perception", err)
	}
	return stored, nil
}

func (o *Orchestrator) putIntelligence(ctx context.Context, r agent.IntelligenceReport) (agent.IntelligenceReport, error) {
	stored, err := o.store.PutIntelligence(ctx, r)
	if err != nil {
		o.logger.Warn("intelligence store failed, retrying once", slog.Any("error", err))
		stored, err = o.store.PutIntelligence(ctx, r)
	}
	if err != nil {
		return agent.IntelligenceReport{}, agent.NewStoreError("put intelligence", err)
	}
	return stored, nil
}

func (o *Orchestrator) putDecision(ctx context.Context, d agent.Directive) (agent.Directive, error) {
	stored, err := o.store.PutDecision(ctx, d)
	if err != nil {
		o.logger.Warn("decision store failed, retrying once", slog.Any("error", err))
		stored, err = o.store.PutDecision(ctx, d)
	}
	if err != nil {
		return agent.Directive{}, agent.NewStoreError("put decision", err)
	}
	return stored, nil
}

// storeActionResult appends the action outcome as an audit row.
func (o *Orchestrator) storeActionResult(ctx context.Context, result agent.ActionResult) {
	raw, err := json.Marshal(result.Payload)
	if err != nil {
		raw = []byte("{}")
	}
	if _, err := o.store.AppendAudit(ctx, store.AuditRow{
		SessionID:   result.SessionID,
		Agent:       "action",
		ActionType:  string(result.ActionType),
		PayloadJSON: string(raw),
		Status:      string(result.Status),
	}); err != nil {
		o.logger.Error("action result audit failed",
			slog.String("session_id", result.SessionID), slog.Any("error", err))
	}
}

// advance moves the session to the next status, audits the transition, and
// publishes the stage event. Extra payload fields are merged into the event.
// Returns false when the transition failed and the session was marked errored.
func (o *Orchestrator) advance(ctx context.Context, sessionID, agentName string, status agent.Status, fields store.StatusFields, extra map[string]any) bool {
	err := o.store.UpdateSessionStatus(ctx, sessionID, status, fields)
	if err != nil {
		o.logger.Warn("status update failed, retrying once",
			slog.String("session_id", sessionID),
			slog.String("status", string(status)),
			slog.Any("error", err))
		err = o.store.UpdateSessionStatus(ctx, sessionID, status, fields)
	}
	if err != nil {
		o.failSession(sessionID, agentName, agent.NewStoreError("update status", err))
		return false
	}

	o.audit(ctx, sessionID, agentName, "status", string(status), "")
	payload := map[string]any{"status": string(status), "agent": agentName}
	for k, v := range extra {
		payload[k] = v
	}
	o.publishSession(sessionID, bus.Event{
		Type:      bus.EventPipelineStage,
		SessionID: sessionID,
		Payload:   payload,
	})
	return true
}

// failSession marks the session errored, audits the failure, and publishes
// session_ended. Other sessions are unaffected.
func (o *Orchestrator) failSession(sessionID, agentName string, cause error) {
	// A fresh context: the failure path must run even during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reason := cause.Error()
	if len(reason) > maxAuditReason {
		reason = reason[:maxAuditReason]
	}

	if err := o.store.UpdateSessionStatus(ctx, sessionID, agent.StatusError, store.StatusFields{}); err != nil {
		o.logger.Error("failed to mark session errored",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}
	o.audit(ctx, sessionID, agentName, "stage_failure", string(agent.StatusError), reason)
	o.publishSession(sessionID, bus.Event{
		Type:      bus.EventSessionEnded,
		SessionID: sessionID,
		Payload:   map[string]any{"reason": "error"},
	})
	o.metrics.RecordCompletion(ctx, string(agent.StatusError), "")
	o.logger.Error("pipeline stage failed",
		slog.String("session_id", sessionID),
		slog.String("agent", agentName),
		slog.Any("error", cause))
}

// cancelSession handles cooperative shutdown mid-stage.
func (o *Orchestrator) cancelSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.store.UpdateSessionStatus(ctx, sessionID, agent.StatusError, store.StatusFields{}); err != nil {
		o.logger.Error("failed to mark cancelled session",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}
	o.audit(ctx, sessionID, "orchestrator", "cancelled", string(agent.StatusError), "cancelled")
	o.publishSession(sessionID, bus.Event{
		Type:      bus.EventSessionEnded,
		SessionID: sessionID,
		Payload:   map[string]any{"reason": "cancelled"},
	})
}

// upsertVisitor refreshes the visitor card for the dashboard, logging on
// failure.
func (o *Orchestrator) upsertVisitor(ctx context.Context, v store.Visitor) {
	if err := o.store.UpsertVisitor(ctx, v); err != nil {
		o.logger.Error("visitor upsert failed",
			slog.String("session_id", v.SessionID), slog.Any("error", err))
	}
}

// visitorSummary condenses the stage reports into the one-line visitor card.
func visitorSummary(intel agent.IntelligenceReport, report agent.PerceptionReport) string {
	parts := []string{string(intel.Intent)}
	if report.NumPersons > 1 {
		parts = append(parts, fmt.Sprintf("%d persons", report.NumPersons))
	}
	if report.Emotion != agent.EmotionNeutral {
		parts = append(parts, string(report.Emotion))
	}
	return strings.Join(parts, ", ")
}

// appendTranscript writes one conversation turn, logging on failure.
func (o *Orchestrator) appendTranscript(ctx context.Context, sessionID string, role agent.Role, content string) {
	if err := o.store.AppendTranscript(ctx, agent.TranscriptEntry{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		o.logger.Error("transcript append failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

// publishSession publishes ev on both the session channel and the owner
// channel so dashboards and per-session listeners stay in sync.
func (o *Orchestrator) publishSession(sessionID string, ev bus.Event) {
	o.bus.Publish(sessionID, ev)
	o.bus.Publish(bus.ChannelOwner, ev)
}
