package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dwarpal/dwarpal/internal/agent"
)

// Stage reports are stored as JSON payloads keyed by session id. The
// (table, session_id) pair is the idempotency key: INSERT OR IGNORE followed
// by a read-back makes the second write of the same report a no-op that
// returns the first row.

func (s *Store) putReport(ctx context.Context, table, sessionID string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("put %s: marshal: %w", table, err)
	}

	query := fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (session_id, payload, created_at) VALUES (?, ?, ?)`, table)
	if _, err := s.db.ExecContext(ctx, query, sessionID, string(data),
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("put %s: %w", table, err)
	}

	var stored string
	readback := fmt.Sprintf(`SELECT payload FROM %s WHERE session_id = ?`, table)
	if err := s.db.QueryRowContext(ctx, readback, sessionID).Scan(&stored); err != nil {
		return "", fmt.Errorf("put %s: read back: %w", table, err)
	}
	return stored, nil
}

func (s *Store) getReport(ctx context.Context, table, sessionID string) (string, bool, error) {
	var payload string
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE session_id = ?`, table)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", table, err)
	}
	return payload, true, nil
}

// PutPerception stores the report if absent and returns the stored row.
func (s *Store) PutPerception(ctx context.Context, r agent.PerceptionReport) (agent.PerceptionReport, error) {
	stored, err := s.putReport(ctx, "perception_reports", r.SessionID, r)
	if err != nil {
		return agent.PerceptionReport{}, err
	}
	var out agent.PerceptionReport
	if err := json.Unmarshal([]byte(stored), &out); err != nil {
		return agent.PerceptionReport{}, fmt.Errorf("put perception: unmarshal stored: %w", err)
	}
	return out, nil
}

// GetPerception returns the stored report or nil when absent.
func (s *Store) GetPerception(ctx context.Context, sessionID string) (*agent.PerceptionReport, error) {
	payload, ok, err := s.getReport(ctx, "perception_reports", sessionID)
	if err != nil || !ok {
		return nil, err
	}
	var r agent.PerceptionReport
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("get perception: unmarshal: %w", err)
	}
	return &r, nil
}

// PutIntelligence stores the report if absent and returns the stored row.
func (s *Store) PutIntelligence(ctx context.Context, r agent.IntelligenceReport) (agent.IntelligenceReport, error) {
	stored, err := s.putReport(ctx, "intelligence_reports", r.SessionID, r)
	if err != nil {
		return agent.IntelligenceReport{}, err
	}
	var out agent.IntelligenceReport
	if err := json.Unmarshal([]byte(stored), &out); err != nil {
		return agent.IntelligenceReport{}, fmt.Errorf("put intelligence: unmarshal stored: %w", err)
	}
	return out, nil
}

// GetIntelligence returns the stored report or nil when absent.
func (s *Store) GetIntelligence(ctx context.Context, sessionID string) (*agent.IntelligenceReport, error) {
	payload, ok, err := s.getReport(ctx, "intelligence_reports", sessionID)
	if err != nil || !ok {
		return nil, err
	}
	var r agent.IntelligenceReport
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("get intelligence: unmarshal: %w", err)
	}
	return &r, nil
}

// PutDecision stores the directive if absent and returns the stored row.
func (s *Store) PutDecision(ctx context.Context, d agent.Directive) (agent.Directive, error) {
	stored, err := s.putReport(ctx, "decisions", d.SessionID, d)
	if err != nil {
		return agent.Directive{}, err
	}
	var out agent.Directive
	if err := json.Unmarshal([]byte(stored), &out); err != nil {
		return agent.Directive{}, fmt.Errorf("put decision: unmarshal stored: %w", err)
	}
	return out, nil
}

// GetDecision returns the stored directive or nil when absent.
func (s *Store) GetDecision(ctx context.Context, sessionID string) (*agent.Directive, error) {
	payload, ok, err := s.getReport(ctx, "decisions", sessionID)
	if err != nil || !ok {
		return nil, err
	}
	var d agent.Directive
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return nil, fmt.Errorf("get decision: unmarshal: %w", err)
	}
	return &d, nil
}
