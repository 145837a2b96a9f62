package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dwarpal/dwarpal/internal/agent"
	"github.com/dwarpal/dwarpal/internal/agent/decision"
	"github.com/dwarpal/dwarpal/internal/agent/intelligence"
	"github.com/dwarpal/dwarpal/internal/assets"
	"github.com/dwarpal/dwarpal/internal/bus"
	"github.com/dwarpal/dwarpal/internal/store/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubPerception returns a fixed report. An optional block channel holds the
// call open until closed or the context expires; started signals entry.
type stubPerception struct {
	report  agent.PerceptionReport
	err     error
	block   chan struct{}
	started chan struct{}

	calls   atomic.Int32
	current atomic.Int32
	maxSeen atomic.Int32
}

func (s *stubPerception) Perceive(ctx context.Context, in agent.PerceptionInput) (agent.PerceptionReport, error) {
	s.calls.Add(1)
	cur := s.current.Add(1)
	defer s.current.Add(-1)
	for {
		prev := s.maxSeen.Load()
		if cur <= prev || s.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}

	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return agent.PerceptionReport{}, ctx.Err()
		}
	}
	if s.err != nil {
		return agent.PerceptionReport{}, s.err
	}
	r := s.report
	r.SessionID = in.SessionID
	r.ImagePath = in.ImagePath
	r.AudioPresent = in.AudioPath != ""
	if r.Emotion == "" {
		r.Emotion = agent.EmotionNeutral
	}
	r.Timestamp = time.Now().UTC()
	return r, nil
}

// stubIntelligence returns a fixed report or error.
type stubIntelligence struct {
	report agent.IntelligenceReport
	err    error
}

func (s *stubIntelligence) Analyze(_ context.Context, in agent.AnalysisInput) (agent.IntelligenceReport, error) {
	if s.err != nil {
		return agent.IntelligenceReport{}, s.err
	}
	r := s.report
	r.SessionID = in.Report.SessionID
	r.Timestamp = time.Now().UTC()
	return r, nil
}

func (s *stubIntelligence) FollowUp(context.Context, agent.FollowUpInput) (string, error) {
	return s.report.ReplyText, s.err
}

// stubAction records its inputs and reports success.
type stubAction struct {
	mu     sync.Mutex
	inputs []agent.ActionInput
}

func (s *stubAction) Execute(_ context.Context, in agent.ActionInput) (agent.ActionResult, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()
	return agent.ActionResult{
		SessionID:  in.Directive.SessionID,
		ActionType: in.Directive.FinalAction,
		Status:     agent.ActionPlayed,
		Payload:    map[string]any{},
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (s *stubAction) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

func personReport() agent.PerceptionReport {
	return agent.PerceptionReport{
		PersonDetected:   true,
		Objects:          []agent.ObjectDetection{{Label: "person", Confidence: 0.9}},
		VisionConfidence: 0.9,
		Transcript:       "delivery for you",
		STTConfidence:    0.8,
		Emotion:          agent.EmotionNeutral,
		NumPersons:       1,
		FaceVisible:      true,
	}
}

func deliveryIntel() agent.IntelligenceReport {
	return agent.IntelligenceReport{
		Intent:    agent.IntentDelivery,
		ReplyText: intelligence.DeliveryLine,
		RiskScore: 0.1,
		Tags:      []string{"delivery"},
	}
}

func newOrch(t *testing.T, p agent.Perception, i agent.Intelligence, a agent.Action, opts ...Option) (*Orchestrator, *sqlite.Store, *bus.Bus) {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "dwarpal.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	dir, err := assets.New(t.TempDir())
	if err != nil {
		t.Fatalf("assets.New: %v", err)
	}

	b := bus.New()
	opts = append(opts, WithLogger(discardLogger()))
	o := New(st, b, dir, p, i, decision.New(), a, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, st, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ring(sessionID string) RingEvent {
	return RingEvent{
		SessionID:  sessionID,
		DeviceID:   "door-1",
		ImageBytes: []byte("jpeg"),
		AudioBytes: []byte("wav"),
	}
}

func TestRing_PipelineCompletes(t *testing.T) {
	perc := &stubPerception{report: personReport()}
	intel := &stubIntelligence{report: deliveryIntel()}
	act := &stubAction{}
	o, st, b := newOrch(t, perc, intel, act)

	events, cancel := b.Subscribe(bus.ChannelOwner)
	defer cancel()

	ack, err := o.Ring(context.Background(), ring("sess_complete"))
	if err != nil {
		t.Fatalf("Ring: %v", err)
	}
	if ack.SessionID != "sess_complete" || ack.Status != agent.StatusQueued {
		t.Errorf("ack = %+v", ack)
	}

	waitFor(t, "session completed", func() bool {
		s, err := st.GetSession(context.Background(), "sess_complete")
		return err == nil && s.Status == agent.StatusCompleted
	})

	s, err := st.GetSession(context.Background(), "sess_complete")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s.RiskScore != 0.1 {
		t.Errorf("risk_score = %v, want 0.1", s.RiskScore)
	}
	if s.FinalAction == nil || *s.FinalAction != agent.ActionAutoReply {
		t.Errorf("final_action = %v, want auto_reply", s.FinalAction)
	}

	detail, err := st.SessionDetail(context.Background(), "sess_complete")
	if err != nil {
		t.Fatalf("SessionDetail: %v", err)
	}
	if detail.Perception == nil || !detail.Perception.PersonDetected {
		t.Error("perception report missing")
	}
	if detail.Intelligence == nil || detail.Intelligence.Intent != agent.IntentDelivery {
		t.Error("intelligence report missing")
	}
	if detail.Decision == nil || detail.Decision.FinalAction != agent.ActionAutoReply {
		t.Error("decision missing")
	}
	if len(detail.Transcripts) != 2 {
		t.Fatalf("transcripts = %d, want visitor + doorbell", len(detail.Transcripts))
	}
	if detail.Transcripts[0].Role != agent.RoleVisitor || detail.Transcripts[1].Role != agent.RoleDoorbell {
		t.Errorf("transcript roles = %v, %v", detail.Transcripts[0].Role, detail.Transcripts[1].Role)
	}

	if act.count() != 1 {
		t.Errorf("action executions = %d, want 1", act.count())
	}

	// Event stream: new_ring first, then stage events, ending with
	// session_ended{completed}.
	var seen []string
	for ev := range events {
		seen = append(seen, ev.Type)
		if ev.Type == bus.EventSessionEnded {
			if got := ev.Payload["reason"]; got != "completed" {
				t.Errorf("session_ended reason = %v, want completed", got)
			}
			break
		}
	}
	if len(seen) == 0 || seen[0] != bus.EventNewRing {
		t.Errorf("first event = %v, want new_ring", seen)
	}
}

func TestRing_MintsVisitorSessionID(t *testing.T) {
	o, _, _ := newOrch(t, &stubPerception{report: personReport()}, &stubIntelligence{report: deliveryIntel()}, &stubAction{})

	ack, err := o.Ring(context.Background(), RingEvent{DeviceID: "door-1", ImageBytes: []byte("x")})
	if err != nil {
		t.Fatalf("Ring: %v", err)
	}
	if len(ack.SessionID) != len("visitor_")+8 || ack.SessionID[:8] != "visitor_" {
		t.Errorf("session_id = %q, want visitor_ prefix with 8 hex chars", ack.SessionID)
	}
}

func TestRing_RejectsBadInput(t *testing.T) {
	o, _, _ := newOrch(t, &stubPerception{report: personReport()}, &stubIntelligence{report: deliveryIntel()}, &stubAction{})

	if _, err := o.Ring(context.Background(), RingEvent{ImageBytes: []byte("x")}); err == nil {
		t.Error("missing device_id accepted")
	}
	if _, err := o.Ring(context.Background(), ring("../../etc/passwd")); err == nil {
		t.Error("path traversal session id accepted")
	}
	if _, err := o.Ring(context.Background(), ring("has space")); err == nil {
		t.Error("session id with space accepted")
	}
}

func TestRing_BackPressure(t *testing.T) {
	perc := &stubPerception{
		report:  personReport(),
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	o, _, _ := newOrch(t, perc, &stubIntelligence{report: deliveryIntel()}, &stubAction{})

	if _, err := o.Ring(context.Background(), ring("sess_bp")); err != nil {
		t.Fatalf("Ring: %v", err)
	}
	<-perc.started // first ring dequeued and held in perception

	for i := 0; i < sessionQueueCap; i++ {
		if _, err := o.Ring(context.Background(), ring("sess_bp")); err != nil {
			t.Fatalf("Ring %d: %v", i+2, err)
		}
	}
	_, err := o.Ring(context.Background(), ring("sess_bp"))
	if !errors.Is(err, agent.ErrBackPressure) {
		t.Fatalf("err = %v, want ErrBackPressure", err)
	}

	close(perc.block)
}

func TestRing_WeaponAlertPrecedesPerceptionDone(t *testing.T) {
	report := personReport()
	report.WeaponDetected = true
	report.WeaponConfidence = 0.8
	report.WeaponLabels = []string{"knife"}
	intel := deliveryIntel()
	intel.Intent = agent.IntentAggression
	intel.RiskScore = 0.95
	intel.EscalationRequired = true
	intel.ReplyText = intelligence.SecurityLine

	o, _, b := newOrch(t, &stubPerception{report: report}, &stubIntelligence{report: intel}, &stubAction{})

	events, cancel := b.Subscribe(bus.ChannelOwner)
	defer cancel()

	if _, err := o.Ring(context.Background(), ring("sess_weapon")); err != nil {
		t.Fatalf("Ring: %v", err)
	}

	alertIdx, doneIdx := -1, -1
	i := 0
	for ev := range events {
		switch {
		case ev.Type == bus.EventWeaponAlert:
			alertIdx = i
		case ev.Type == bus.EventPipelineStage && ev.Payload["status"] == string(agent.StatusPerceptionDone):
			doneIdx = i
		}
		if ev.Type == bus.EventSessionEnded {
			break
		}
		i++
	}
	if alertIdx == -1 {
		t.Fatal("weapon_alert never published")
	}
	if doneIdx == -1 {
		t.Fatal("perception_done never published")
	}
	if alertIdx > doneIdx {
		t.Errorf("weapon_alert at %d after perception_done at %d", alertIdx, doneIdx)
	}
}

func TestRing_PerceptionFailureDegrades(t *testing.T) {
	perc := &stubPerception{err: errors.New("model crashed")}
	o, st, _ := newOrch(t, perc, &stubIntelligence{report: deliveryIntel()}, &stubAction{})

	if _, err := o.Ring(context.Background(), ring("sess_degraded")); err != nil {
		t.Fatalf("Ring: %v", err)
	}
	waitFor(t, "session completed", func() bool {
		s, err := st.GetSession(context.Background(), "sess_degraded")
		return err == nil && s.Status == agent.StatusCompleted
	})

	r, err := st.GetPerception(context.Background(), "sess_degraded")
	if err != nil {
		t.Fatalf("GetPerception: %v", err)
	}
	if r == nil || !r.Degraded {
		t.Errorf("report = %+v, want degraded", r)
	}
}

func TestRing_IntelligenceFailureFallsBack(t *testing.T) {
	intel := &stubIntelligence{err: errors.New("provider down")}
	o, st, _ := newOrch(t, &stubPerception{report: personReport()}, intel, &stubAction{})

	if _, err := o.Ring(context.Background(), ring("sess_fallback")); err != nil {
		t.Fatalf("Ring: %v", err)
	}
	waitFor(t, "session completed", func() bool {
		s, err := st.GetSession(context.Background(), "sess_fallback")
		return err == nil && s.Status == agent.StatusCompleted
	})

	r, err := st.GetIntelligence(context.Background(), "sess_fallback")
	if err != nil {
		t.Fatalf("GetIntelligence: %v", err)
	}
	if r.Intent != agent.IntentUnknown {
		t.Errorf("intent = %q, want unknown", r.Intent)
	}
	if r.ReplyText != intelligence.OccupancyLine {
		t.Errorf("reply = %q, want occupancy line", r.ReplyText)
	}
	if r.RiskScore != 0.5 {
		t.Errorf("risk = %v, want 0.5", r.RiskScore)
	}
}

func TestMaxConcurrentSessions(t *testing.T) {
	perc := &stubPerception{report: personReport(), block: make(chan struct{})}
	o, st, _ := newOrch(t, perc, &stubIntelligence{report: deliveryIntel()}, &stubAction{},
		WithMaxConcurrentSessions(1))

	for _, id := range []string{"sess_a", "sess_b", "sess_c"} {
		if _, err := o.Ring(context.Background(), ring(id)); err != nil {
			t.Fatalf("Ring %s: %v", id, err)
		}
	}
	waitFor(t, "first perception call", func() bool { return perc.calls.Load() >= 1 })
	close(perc.block)

	for _, id := range []string{"sess_a", "sess_b", "sess_c"} {
		id := id
		waitFor(t, id+" completed", func() bool {
			s, err := st.GetSession(context.Background(), id)
			return err == nil && s.Status == agent.StatusCompleted
		})
	}
	if got := perc.maxSeen.Load(); got > 1 {
		t.Errorf("max concurrent perception calls = %d, want 1", got)
	}
}

func TestShutdown_CancelsBlockedSession(t *testing.T) {
	perc := &stubPerception{
		report:  personReport(),
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	o, st, _ := newOrch(t, perc, &stubIntelligence{report: deliveryIntel()}, &stubAction{})

	if _, err := o.Ring(context.Background(), ring("sess_cancel")); err != nil {
		t.Fatalf("Ring: %v", err)
	}
	<-perc.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	s, err := st.GetSession(context.Background(), "sess_cancel")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s.Status != agent.StatusError {
		t.Errorf("status = %q, want error after cancellation", s.Status)
	}

	if _, err := o.Ring(context.Background(), ring("sess_late")); err == nil {
		t.Error("Ring accepted after shutdown")
	}
}

func TestIdleTimeoutEndsTask(t *testing.T) {
	o, st, b := newOrch(t, &stubPerception{report: personReport()}, &stubIntelligence{report: deliveryIntel()}, &stubAction{},
		WithIdleTimeout(50*time.Millisecond))

	events, cancel := b.Subscribe("sess_idle")
	defer cancel()

	if _, err := o.Ring(context.Background(), ring("sess_idle")); err != nil {
		t.Fatalf("Ring: %v", err)
	}
	waitFor(t, "session completed", func() bool {
		s, err := st.GetSession(context.Background(), "sess_idle")
		return err == nil && s.Status == agent.StatusCompleted
	})
	waitFor(t, "task exit", func() bool { return o.ActiveTasks() == 0 })

	sawInactive := false
	for ev := range events {
		if ev.Type == bus.EventSessionEnded && ev.Payload["reason"] == "inactive" {
			sawInactive = true
			break
		}
	}
	if !sawInactive {
		t.Error("no session_ended{inactive} event on the session channel")
	}
}

func TestRing_ReplyRidesIntelligenceStageEvent(t *testing.T) {
	o, _, b := newOrch(t, &stubPerception{report: personReport()}, &stubIntelligence{report: deliveryIntel()}, &stubAction{})

	events, cancel := b.Subscribe("sess_reply_ev")
	defer cancel()

	if _, err := o.Ring(context.Background(), ring("sess_reply_ev")); err != nil {
		t.Fatalf("Ring: %v", err)
	}

	var payload map[string]any
	for ev := range events {
		if ev.Type == bus.EventPipelineStage && ev.Payload["status"] == string(agent.StatusIntelligenceDone) {
			payload = ev.Payload
			break
		}
		if ev.Type == bus.EventSessionEnded {
			break
		}
	}
	if payload == nil {
		t.Fatal("intelligence_done stage event never published")
	}
	if payload["reply"] != intelligence.DeliveryLine {
		t.Errorf("reply = %v, want the delivery line", payload["reply"])
	}
	if _, leaked := payload["risk_score"]; leaked {
		t.Error("risk score leaked onto the session channel")
	}
}

func TestRing_VisitorCardUpserted(t *testing.T) {
	o, st, _ := newOrch(t, &stubPerception{report: personReport()}, &stubIntelligence{report: deliveryIntel()}, &stubAction{})

	if _, err := o.Ring(context.Background(), ring("sess_card")); err != nil {
		t.Fatalf("Ring: %v", err)
	}
	waitFor(t, "session completed", func() bool {
		s, err := st.GetSession(context.Background(), "sess_card")
		return err == nil && s.Status == agent.StatusCompleted
	})

	detail, err := st.SessionDetail(context.Background(), "sess_card")
	if err != nil {
		t.Fatalf("SessionDetail: %v", err)
	}
	if detail.Visitor == nil {
		t.Fatal("visitor card missing after pipeline completion")
	}
	if detail.Visitor.Type != string(agent.IntentDelivery) {
		t.Errorf("visitor type = %q, want delivery", detail.Visitor.Type)
	}
	if detail.Visitor.ImagePath != "snaps/sess_card.jpg" {
		t.Errorf("visitor image = %q", detail.Visitor.ImagePath)
	}
	if detail.Visitor.Summary == "" {
		t.Error("visitor summary empty")
	}
}

func TestRing_RingDuringIdleWindowNotLost(t *testing.T) {
	o, st, _ := newOrch(t, &stubPerception{report: personReport()}, &stubIntelligence{report: deliveryIntel()}, &stubAction{},
		WithIdleTimeout(5*time.Millisecond))

	if _, err := o.Ring(context.Background(), ring("sess_race")); err != nil {
		t.Fatalf("Ring: %v", err)
	}
	waitFor(t, "session completed", func() bool {
		s, err := st.GetSession(context.Background(), "sess_race")
		return err == nil && s.Status == agent.StatusCompleted
	})

	// Keep ringing across many idle windows so some rings land just as the
	// task is timing out. Every one must still be handled: the session is
	// terminal, so each handled ring leaves a ring_ignored audit row.
	const extra = 20
	for i := 0; i < extra; i++ {
		if _, err := o.Ring(context.Background(), ring("sess_race")); err != nil {
			t.Fatalf("Ring %d: %v", i, err)
		}
		time.Sleep(4 * time.Millisecond)
	}

	waitFor(t, "all extra rings handled", func() bool {
		detail, err := st.SessionDetail(context.Background(), "sess_race")
		if err != nil {
			return false
		}
		ignored := 0
		for _, row := range detail.Actions {
			if row.ActionType == "ring_ignored" {
				ignored++
			}
		}
		return ignored == extra
	})
	waitFor(t, "task exit", func() bool { return o.ActiveTasks() == 0 })
}

func TestRing_ExtraRingAfterCompletionIgnored(t *testing.T) {
	act := &stubAction{}
	o, st, _ := newOrch(t, &stubPerception{report: personReport()}, &stubIntelligence{report: deliveryIntel()}, act,
		WithIdleTimeout(time.Second))

	if _, err := o.Ring(context.Background(), ring("sess_twice")); err != nil {
		t.Fatalf("Ring: %v", err)
	}
	waitFor(t, "session completed", func() bool {
		s, err := st.GetSession(context.Background(), "sess_twice")
		return err == nil && s.Status == agent.StatusCompleted
	})

	if _, err := o.Ring(context.Background(), ring("sess_twice")); err != nil {
		t.Fatalf("second Ring: %v", err)
	}
	waitFor(t, "task exit", func() bool { return o.ActiveTasks() == 0 })

	s, err := st.GetSession(context.Background(), "sess_twice")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s.Status != agent.StatusCompleted {
		t.Errorf("status = %q, want completed to stick", s.Status)
	}
	if act.count() != 1 {
		t.Errorf("action executions = %d, want 1", act.count())
	}
}
