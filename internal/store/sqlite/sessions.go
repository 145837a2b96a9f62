package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dwarpal/dwarpal/internal/agent"
	"github.com/dwarpal/dwarpal/internal/store"
)

// CreateSession inserts a new session row. Duplicate ids are rejected.
func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastUpdated.IsZero() {
		sess.LastUpdated = now
	}

	query := `
	INSERT INTO sessions (id, device_id, status, risk_score, created_at, last_updated)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.DeviceID,
		string(sess.Status),
		sess.RiskScore,
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
		sess.LastUpdated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return store.ErrDuplicateSession
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateSessionStatus moves a session to next inside a single transaction,
// re-checking monotonicity against the current row so that concurrent
// writers cannot race a session backwards.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, next agent.Status, fields store.StatusFields) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update status: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update status: read current: %w", err)
	}

	if !agent.Status(current).CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, current, next)
	}

	set := []string{"status = ?", "last_updated = ?"}
	args := []any{string(next), time.Now().UTC().Format(time.RFC3339Nano)}
	if fields.RiskScore != nil {
		set = append(set, "risk_score = ?")
		args = append(args, *fields.RiskScore)
	}
	if fields.FinalAction != nil {
		set = append(set, "final_action = ?")
		args = append(args, string(*fields.FinalAction))
	}
	args = append(args, id)

	query := "UPDATE sessions SET " + strings.Join(set, ", ") + " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update status: commit: %w", err)
	}
	return nil
}

// GetSession retrieves a single session by id.
func (s *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	query := `
	SELECT id, device_id, status, risk_score, final_action, created_at, last_updated
	FROM sessions WHERE id = ?
	`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns up to limit sessions, newest first, optionally
// filtered by status. An empty status means no filter.
func (s *Store) ListSessions(ctx context.Context, limit int, status agent.Status) ([]store.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
	SELECT id, device_id, status, risk_score, final_action, created_at, last_updated
	FROM sessions
	`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AppendTranscript appends one conversation turn.
func (s *Store) AppendTranscript(ctx context.Context, e agent.TranscriptEntry) error {
	query := `
	INSERT INTO transcripts (session_id, role, speaker, content, timestamp)
	VALUES (?, ?, ?, ?, ?)
	`
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query, e.SessionID, string(e.Role), e.Speaker, e.Content, ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// ListTranscripts returns all turns for a session in insertion order.
func (s *Store) ListTranscripts(ctx context.Context, sessionID string) ([]agent.TranscriptEntry, error) {
	query := `
	SELECT session_id, role, speaker, content, timestamp
	FROM transcripts WHERE session_id = ? ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []agent.TranscriptEntry
	for rows.Next() {
		var e agent.TranscriptEntry
		var role, ts string
		if err := rows.Scan(&e.SessionID, &role, &e.Speaker, &e.Content, &ts); err != nil {
			return nil, fmt.Errorf("list transcripts: %w", err)
		}
		e.Role = agent.Role(role)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendAudit inserts an audit row and returns its id.
func (s *Store) AppendAudit(ctx context.Context, row store.AuditRow) (int64, error) {
	query := `
	INSERT INTO actions (session_id, agent_name, action_type, payload, status, short_reason, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	ts := row.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := s.db.ExecContext(ctx, query,
		row.SessionID, row.Agent, row.ActionType, row.PayloadJSON,
		row.Status, row.ShortReason, ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("append audit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append audit: last id: %w", err)
	}
	return id, nil
}

// ListActions returns all audit rows for a session in insertion order.
func (s *Store) ListActions(ctx context.Context, sessionID string) ([]store.AuditRow, error) {
	query := `
	SELECT id, session_id, agent_name, action_type, payload, status, short_reason, timestamp
	FROM actions WHERE session_id = ? ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.AuditRow
	for rows.Next() {
		var r store.AuditRow
		var ts string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Agent, &r.ActionType, &r.PayloadJSON, &r.Status, &r.ShortReason, &ts); err != nil {
			return nil, fmt.Errorf("list actions: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertVisitor inserts or updates the per-session visitor summary.
func (s *Store) UpsertVisitor(ctx context.Context, v store.Visitor) error {
	query := `
	INSERT INTO visitors (session_id, image_path, visitor_type, ai_summary)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		image_path = excluded.image_path,
		visitor_type = excluded.visitor_type,
		ai_summary = excluded.ai_summary
	`
	if _, err := s.db.ExecContext(ctx, query, v.SessionID, v.ImagePath, v.Type, v.Summary); err != nil {
		return fmt.Errorf("upsert visitor: %w", err)
	}
	return nil
}

// SessionDetail aggregates the session row, all stage reports, transcripts,
// and audit rows.
func (s *Store) SessionDetail(ctx context.Context, id string) (store.SessionDetail, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return store.SessionDetail{}, err
	}

	d := store.SessionDetail{Session: sess}

	if d.Perception, err = s.GetPerception(ctx, id); err != nil {
		return store.SessionDetail{}, err
	}
	if d.Intelligence, err = s.GetIntelligence(ctx, id); err != nil {
		return store.SessionDetail{}, err
	}
	if d.Decision, err = s.GetDecision(ctx, id); err != nil {
		return store.SessionDetail{}, err
	}
	if d.Transcripts, err = s.ListTranscripts(ctx, id); err != nil {
		return store.SessionDetail{}, err
	}
	if d.Actions, err = s.ListActions(ctx, id); err != nil {
		return store.SessionDetail{}, err
	}

	var v store.Visitor
	err = s.db.QueryRowContext(ctx,
		`SELECT session_id, image_path, visitor_type, ai_summary FROM visitors WHERE session_id = ?`, id,
	).Scan(&v.SessionID, &v.ImagePath, &v.Type, &v.Summary)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return store.SessionDetail{}, fmt.Errorf("session detail: visitor: %w", err)
	default:
		d.Visitor = &v
	}

	return d, nil
}

// RecentLogs returns the most recent sessions with their details, newest
// first.
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]store.SessionDetail, error) {
	sessions, err := s.ListSessions(ctx, limit, "")
	if err != nil {
		return nil, err
	}

	out := make([]store.SessionDetail, 0, len(sessions))
	for _, sess := range sessions {
		d, err := s.SessionDetail(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanSession.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (store.Session, error) {
	var sess store.Session
	var status, created, updated string
	var finalAction sql.NullString

	if err := r.Scan(&sess.ID, &sess.DeviceID, &status, &sess.RiskScore, &finalAction, &created, &updated); err != nil {
		return store.Session{}, err
	}

	sess.Status = agent.Status(status)
	if finalAction.Valid {
		fa := agent.FinalAction(finalAction.String)
		sess.FinalAction = &fa
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sess.LastUpdated, _ = time.Parse(time.RFC3339Nano, updated)
	return sess, nil
}
