// Package store defines the persistence contract for sessions, stage
// reports, transcripts, and the audit trail, plus the small auth/member
// directory the dashboard uses.
//
// All writes within a single method are transactional; readers see either
// pre- or post-state. Reports are idempotent per (kind, session_id): a second
// write is a no-op returning the stored row.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dwarpal/dwarpal/internal/agent"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrDuplicateSession is returned by CreateSession for an existing id.
	ErrDuplicateSession = errors.New("store: session already exists")

	// ErrNotFound is returned when a session or row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidTransition is returned by UpdateSessionStatus for a
	// non-monotonic status change.
	ErrInvalidTransition = errors.New("store: invalid status transition")

	// ErrDuplicateOwner is returned by RegisterOwner for a taken username.
	ErrDuplicateOwner = errors.New("store: username already registered")
)

// Session is the spine of the pipeline: one row per ring-event lifecycle.
type Session struct {
	ID          string             `json:"id"`
	DeviceID    string             `json:"device_id"`
	Status      agent.Status       `json:"status"`
	RiskScore   float64            `json:"risk_score"`
	FinalAction *agent.FinalAction `json:"final_action,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	LastUpdated time.Time          `json:"last_updated"`
}

// StatusFields carries the optional columns UpdateSessionStatus may set
// alongside the status itself.
type StatusFields struct {
	RiskScore   *float64
	FinalAction *agent.FinalAction
}

// AuditRow is one append-only audit record. Written on every stage
// transition and every externally observable side effect.
type AuditRow struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Agent       string    `json:"agent"`
	ActionType  string    `json:"action_type"`
	PayloadJSON string    `json:"payload_json"`
	Status      string    `json:"status"`
	ShortReason string    `json:"short_reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// Visitor is the per-session visitor summary row shown on the dashboard.
type Visitor struct {
	SessionID string `json:"session_id"`
	ImagePath string `json:"image_path"`
	Type      string `json:"visitor_type"`
	Summary   string `json:"ai_summary"`
}

// SessionDetail aggregates everything known about one session.
type SessionDetail struct {
	Session      Session                   `json:"session"`
	Perception   *agent.PerceptionReport   `json:"perception,omitempty"`
	Intelligence *agent.IntelligenceReport `json:"intelligence,omitempty"`
	Decision     *agent.Directive          `json:"decision,omitempty"`
	Transcripts  []agent.TranscriptEntry   `json:"transcripts"`
	Actions      []AuditRow                `json:"actions"`
	Visitor      *Visitor                  `json:"visitor,omitempty"`
}

// Store is the session persistence contract. Implementations must be safe
// for concurrent use; the single-writer discipline lives inside the
// implementation, not the caller.
type Store interface {
	// CreateSession inserts a new session row. Duplicate ids are rejected
	// with ErrDuplicateSession.
	CreateSession(ctx context.Context, s Session) error

	// UpdateSessionStatus moves a session to next and applies fields.
	// Non-monotonic transitions are refused with ErrInvalidTransition,
	// except that any non-terminal state may move to StatusError.
	UpdateSessionStatus(ctx context.Context, id string, next agent.Status, fields StatusFields) error

	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, limit int, status agent.Status) ([]Session, error)

	// PutPerception stores the report if none exists for the session and
	// returns the stored row either way.
	PutPerception(ctx context.Context, r agent.PerceptionReport) (agent.PerceptionReport, error)
	GetPerception(ctx context.Context, sessionID string) (*agent.PerceptionReport, error)

	PutIntelligence(ctx context.Context, r agent.IntelligenceReport) (agent.IntelligenceReport, error)
	GetIntelligence(ctx context.Context, sessionID string) (*agent.IntelligenceReport, error)

	PutDecision(ctx context.Context, d agent.Directive) (agent.Directive, error)
	GetDecision(ctx context.Context, sessionID string) (*agent.Directive, error)

	AppendTranscript(ctx context.Context, e agent.TranscriptEntry) error
	ListTranscripts(ctx context.Context, sessionID string) ([]agent.TranscriptEntry, error)

	// AppendAudit inserts an audit row and returns its id.
	AppendAudit(ctx context.Context, row AuditRow) (int64, error)
	ListActions(ctx context.Context, sessionID string) ([]AuditRow, error)

	UpsertVisitor(ctx context.Context, v Visitor) error

	SessionDetail(ctx context.Context, id string) (SessionDetail, error)

	// RecentLogs returns the most recent sessions with embedded transcripts
	// and snapshot references, newest first.
	RecentLogs(ctx context.Context, limit int) ([]SessionDetail, error)

	Close() error
}

// Owner is a registered dashboard user.
type Owner struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is a household member the owner has registered.
type Member struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Role      string    `json:"role"`
	PhotoPath string    `json:"photo_path"`
	Permitted bool      `json:"permitted"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthStore is the auth and member-directory contract.
type AuthStore interface {
	// RegisterOwner creates an owner with a salted password hash.
	// Duplicate usernames are rejected.
	RegisterOwner(ctx context.Context, username, password, name string) (Owner, error)

	// VerifyOwner checks a username/password pair and returns the owner on
	// success, ErrNotFound otherwise.
	VerifyOwner(ctx context.Context, username, password string) (Owner, error)

	GetOwner(ctx context.Context, id int64) (Owner, error)

	// CreateToken mints a bearer token for the owner.
	CreateToken(ctx context.Context, ownerID int64) (string, error)

	// OwnerForToken resolves a bearer token, ErrNotFound when invalid.
	OwnerForToken(ctx context.Context, token string) (Owner, error)

	DeleteToken(ctx context.Context, token string) error

	AddMember(ctx context.Context, m Member) (Member, error)
	ListMembers(ctx context.Context, ownerID int64) ([]Member, error)
	UpdateMember(ctx context.Context, m Member) error
	DeleteMember(ctx context.Context, ownerID, memberID int64) error
}
