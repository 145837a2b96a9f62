package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dwarpal/dwarpal/internal/agent"
	"github.com/dwarpal/dwarpal/internal/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "dwarpal.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustCreate(t *testing.T, st *Store, id string) {
	t.Helper()
	err := st.CreateSession(context.Background(), store.Session{
		ID: id, DeviceID: "door-1", Status: agent.StatusQueued,
	})
	if err != nil {
		t.Fatalf("CreateSession(%s): %v", id, err)
	}
}

func TestNew_AppliesPragmas(t *testing.T) {
	st := newStore(t)

	var mode string
	if err := st.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	var timeout int
	if err := st.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatal(err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
}

func TestCreateSession_DefaultsTimestamps(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	mustCreate(t, st, "s1")

	sess, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.CreatedAt.Before(before) {
		t.Errorf("created_at = %v, want a current timestamp", sess.CreatedAt)
	}
	if sess.LastUpdated.Before(before) {
		t.Errorf("last_updated = %v, want a current timestamp", sess.LastUpdated)
	}
}

func TestCreateSession_DuplicateRejected(t *testing.T) {
	st := newStore(t)
	mustCreate(t, st, "s1")

	err := st.CreateSession(context.Background(), store.Session{
		ID: "s1", DeviceID: "door-1", Status: agent.StatusQueued,
	})
	if !errors.Is(err, store.ErrDuplicateSession) {
		t.Fatalf("err = %v, want ErrDuplicateSession", err)
	}
}

func TestUpdateSessionStatus_Monotonic(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, "s1")

	forward := []agent.Status{
		agent.StatusProcessing,
		agent.StatusPerceptionDone,
		agent.StatusIntelligenceDone,
		agent.StatusDecisionDone,
		agent.StatusCompleted,
	}
	for _, next := range forward {
		if err := st.UpdateSessionStatus(ctx, "s1", next, store.StatusFields{}); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
	}

	// Completed is terminal: no further transitions, not even to error.
	err := st.UpdateSessionStatus(ctx, "s1", agent.StatusProcessing, store.StatusFields{})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("backward transition err = %v", err)
	}
	err = st.UpdateSessionStatus(ctx, "s1", agent.StatusError, store.StatusFields{})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("terminal->error err = %v", err)
	}
}

func TestUpdateSessionStatus_ErrorFromAnyNonTerminal(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, "s1")

	if err := st.UpdateSessionStatus(ctx, "s1", agent.StatusError, store.StatusFields{}); err != nil {
		t.Fatalf("queued->error: %v", err)
	}
	sess, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != agent.StatusError {
		t.Errorf("status = %s", sess.Status)
	}
}

func TestUpdateSessionStatus_SkippingForwardAllowed(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, "s1")

	// queued -> decision_done skips intermediate states but still advances.
	if err := st.UpdateSessionStatus(ctx, "s1", agent.StatusDecisionDone, store.StatusFields{}); err != nil {
		t.Fatalf("skip forward: %v", err)
	}
}

func TestUpdateSessionStatus_Fields(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, "s1")

	risk := 0.54
	fa := agent.ActionEscalate
	err := st.UpdateSessionStatus(ctx, "s1", agent.StatusDecisionDone, store.StatusFields{
		RiskScore: &risk, FinalAction: &fa,
	})
	if err != nil {
		t.Fatal(err)
	}

	sess, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.RiskScore != 0.54 {
		t.Errorf("risk = %v", sess.RiskScore)
	}
	if sess.FinalAction == nil || *sess.FinalAction != agent.ActionEscalate {
		t.Errorf("final_action = %v", sess.FinalAction)
	}
}

func TestUpdateSessionStatus_UnknownSession(t *testing.T) {
	st := newStore(t)
	err := st.UpdateSessionStatus(context.Background(), "ghost", agent.StatusProcessing, store.StatusFields{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPutPerception_IdempotentPerSession(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, "s1")

	first := agent.PerceptionReport{
		SessionID: "s1", PersonDetected: true, VisionConfidence: 0.9,
		Emotion: agent.EmotionNeutral, Timestamp: time.Now().UTC(),
	}
	if _, err := st.PutPerception(ctx, first); err != nil {
		t.Fatal(err)
	}

	// A second write is a no-op; the stored row wins.
	second := first
	second.VisionConfidence = 0.1
	got, err := st.PutPerception(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if got.VisionConfidence != 0.9 {
		t.Errorf("second put overwrote the stored report: %v", got.VisionConfidence)
	}

	stored, err := st.GetPerception(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.VisionConfidence != 0.9 {
		t.Errorf("stored = %+v", stored)
	}
}

func TestGetReports_AbsentIsNil(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	p, err := st.GetPerception(ctx, "nope")
	if err != nil || p != nil {
		t.Errorf("GetPerception = %v, %v", p, err)
	}
	i, err := st.GetIntelligence(ctx, "nope")
	if err != nil || i != nil {
		t.Errorf("GetIntelligence = %v, %v", i, err)
	}
	d, err := st.GetDecision(ctx, "nope")
	if err != nil || d != nil {
		t.Errorf("GetDecision = %v, %v", d, err)
	}
}

func TestTranscriptsOrdered(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, "s1")

	turns := []agent.TranscriptEntry{
		{SessionID: "s1", Role: agent.RoleVisitor, Content: "delivery hai"},
		{SessionID: "s1", Role: agent.RoleDoorbell, Content: "Please leave the package at the doorstep."},
		{SessionID: "s1", Role: agent.RoleVisitor, Content: "ok"},
		{SessionID: "s1", Role: agent.RoleDoorbell, Speaker: agent.SpeakerOwner, Content: "coming down"},
	}
	for _, e := range turns {
		if err := st.AppendTranscript(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.ListTranscripts(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d", len(got))
	}
	for i := range turns {
		if got[i].Content != turns[i].Content || got[i].Role != turns[i].Role || got[i].Speaker != turns[i].Speaker {
			t.Errorf("turn %d = %+v", i, got[i])
		}
	}
}

func TestAuditTrail(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, "s1")

	id1, err := st.AppendAudit(ctx, store.AuditRow{
		SessionID: "s1", Agent: "orchestrator", ActionType: "ring_received", Status: "queued",
	})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := st.AppendAudit(ctx, store.AuditRow{
		SessionID: "s1", Agent: "action", ActionType: "auto_reply",
		PayloadJSON: `{"tts_file":"tts/s1.wav"}`, Status: "played",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("audit ids not increasing: %d, %d", id1, id2)
	}

	rows, err := st.ListActions(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1].PayloadJSON == "" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestSessionDetailAggregates(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, "s1")

	if _, err := st.PutPerception(ctx, agent.PerceptionReport{SessionID: "s1", PersonDetected: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.PutIntelligence(ctx, agent.IntelligenceReport{SessionID: "s1", Intent: agent.IntentDelivery, RiskScore: 0.1}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.PutDecision(ctx, agent.Directive{SessionID: "s1", FinalAction: agent.ActionAutoReply}); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendTranscript(ctx, agent.TranscriptEntry{SessionID: "s1", Role: agent.RoleVisitor, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertVisitor(ctx, store.Visitor{SessionID: "s1", Type: "delivery", Summary: "courier at the gate"}); err != nil {
		t.Fatal(err)
	}

	d, err := st.SessionDetail(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Perception == nil || d.Intelligence == nil || d.Decision == nil {
		t.Fatalf("detail missing reports: %+v", d)
	}
	if d.Intelligence.Intent != agent.IntentDelivery {
		t.Errorf("intent = %s", d.Intelligence.Intent)
	}
	if len(d.Transcripts) != 1 {
		t.Errorf("transcripts = %d", len(d.Transcripts))
	}
	if d.Visitor == nil || d.Visitor.Type != "delivery" {
		t.Errorf("visitor = %+v", d.Visitor)
	}

	if _, err := st.SessionDetail(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing session err = %v", err)
	}
}

func TestRecentLogs_NewestFirst(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	for i, id := range []string{"old", "mid", "new"} {
		err := st.CreateSession(ctx, store.Session{
			ID: id, DeviceID: "door-1", Status: agent.StatusQueued,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	logs, err := st.RecentLogs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("len = %d", len(logs))
	}
	if logs[0].Session.ID != "new" || logs[1].Session.ID != "mid" {
		t.Errorf("order = %s, %s", logs[0].Session.ID, logs[1].Session.ID)
	}
}

func TestCheckIntegrity(t *testing.T) {
	st := newStore(t)
	if err := st.CheckIntegrity(context.Background()); err != nil {
		t.Fatalf("CheckIntegrity on a fresh db: %v", err)
	}
}

func TestAuthRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	owner, err := st.RegisterOwner(ctx, "asha", "correct-horse", "Asha")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.RegisterOwner(ctx, "asha", "other", ""); !errors.Is(err, store.ErrDuplicateOwner) {
		t.Errorf("duplicate err = %v", err)
	}

	if _, err := st.VerifyOwner(ctx, "asha", "wrong"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("wrong password err = %v", err)
	}
	got, err := st.VerifyOwner(ctx, "asha", "correct-horse")
	if err != nil || got.ID != owner.ID {
		t.Fatalf("verify = %+v, %v", got, err)
	}

	token, err := st.CreateToken(ctx, owner.ID)
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := st.OwnerForToken(ctx, token)
	if err != nil || resolved.Username != "asha" {
		t.Fatalf("token resolve = %+v, %v", resolved, err)
	}

	if err := st.DeleteToken(ctx, token); err != nil {
		t.Fatal(err)
	}
	if _, err := st.OwnerForToken(ctx, token); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted token err = %v", err)
	}
}

func TestMembers(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	owner, err := st.RegisterOwner(ctx, "asha", "correct-horse", "")
	if err != nil {
		t.Fatal(err)
	}
	other, err := st.RegisterOwner(ctx, "vik", "other-password", "")
	if err != nil {
		t.Fatal(err)
	}

	m, err := st.AddMember(ctx, store.Member{OwnerID: owner.ID, Name: "Ravi", Role: "gardener", Permitted: true})
	if err != nil {
		t.Fatal(err)
	}

	// Members are scoped per owner.
	list, err := st.ListMembers(ctx, other.ID)
	if err != nil || len(list) != 0 {
		t.Errorf("cross-owner list = %v, %v", list, err)
	}

	m.Phone = "98765"
	if err := st.UpdateMember(ctx, m); err != nil {
		t.Fatal(err)
	}
	// Another owner cannot touch the row.
	foreign := m
	foreign.OwnerID = other.ID
	if err := st.UpdateMember(ctx, foreign); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("foreign update err = %v", err)
	}

	if err := st.DeleteMember(ctx, owner.ID, m.ID); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteMember(ctx, owner.ID, m.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("double delete err = %v", err)
	}
}
