package sqlite

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/dwarpal/dwarpal/internal/store"
)

const pbkdf2Iterations = 100_000

func hashPassword(password, salt string) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, 32, sha256.New)
	return hex.EncodeToString(key)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RegisterOwner creates an owner with a fresh salt and PBKDF2-SHA256 hash.
func (s *Store) RegisterOwner(ctx context.Context, username, password, name string) (store.Owner, error) {
	if username == "" || password == "" {
		return store.Owner{}, errors.New("register owner: username and password required")
	}

	salt, err := randomHex(16)
	if err != nil {
		return store.Owner{}, fmt.Errorf("register owner: salt: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO owners (username, password_hash, salt, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		username, hashPassword(password, salt), salt, name, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return store.Owner{}, fmt.Errorf("register owner: %q: %w", username, store.ErrDuplicateOwner)
		}
		return store.Owner{}, fmt.Errorf("register owner: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return store.Owner{}, fmt.Errorf("register owner: last id: %w", err)
	}
	return store.Owner{ID: id, Username: username, Name: name, CreatedAt: now}, nil
}

// VerifyOwner checks credentials in constant time over the derived hash.
func (s *Store) VerifyOwner(ctx context.Context, username, password string) (store.Owner, error) {
	var (
		o            store.Owner
		hash, salt   string
		createdAtStr string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, salt, name, created_at FROM owners WHERE username = ?`, username,
	).Scan(&o.ID, &o.Username, &hash, &salt, &o.Name, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Owner{}, store.ErrNotFound
	}
	if err != nil {
		return store.Owner{}, fmt.Errorf("verify owner: %w", err)
	}

	if !hmac.Equal([]byte(hashPassword(password, salt)), []byte(hash)) {
		return store.Owner{}, store.ErrNotFound
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return o, nil
}

// GetOwner retrieves an owner by id.
func (s *Store) GetOwner(ctx context.Context, id int64) (store.Owner, error) {
	var (
		o            store.Owner
		createdAtStr string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, name, created_at FROM owners WHERE id = ?`, id,
	).Scan(&o.ID, &o.Username, &o.Name, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Owner{}, store.ErrNotFound
	}
	if err != nil {
		return store.Owner{}, fmt.Errorf("get owner: %w", err)
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return o, nil
}

// CreateToken mints a random bearer token for the owner.
func (s *Store) CreateToken(ctx context.Context, ownerID int64) (string, error) {
	token, err := randomHex(24)
	if err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tokens (token, owner_id, created_at) VALUES (?, ?, ?)`,
		token, ownerID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	return token, nil
}

// OwnerForToken resolves a bearer token to its owner.
func (s *Store) OwnerForToken(ctx context.Context, token string) (store.Owner, error) {
	var ownerID int64
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM tokens WHERE token = ?`, token).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Owner{}, store.ErrNotFound
	}
	if err != nil {
		return store.Owner{}, fmt.Errorf("owner for token: %w", err)
	}
	return s.GetOwner(ctx, ownerID)
}

// DeleteToken invalidates a bearer token. Deleting an unknown token is a
// no-op.
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// AddMember inserts a household member for the owner.
func (s *Store) AddMember(ctx context.Context, m store.Member) (store.Member, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO members (owner_id, name, phone, role, photo_path, permitted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.OwnerID, m.Name, m.Phone, m.Role, m.PhotoPath, boolToInt(m.Permitted), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return store.Member{}, fmt.Errorf("add member: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return store.Member{}, fmt.Errorf("add member: last id: %w", err)
	}
	m.ID = id
	m.CreatedAt = now
	return m, nil
}

// ListMembers returns the owner's members in insertion order.
func (s *Store) ListMembers(ctx context.Context, ownerID int64) ([]store.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, phone, role, photo_path, permitted, created_at
		 FROM members WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Member
	for rows.Next() {
		var (
			m            store.Member
			permitted    int
			createdAtStr string
		)
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.Name, &m.Phone, &m.Role, &m.PhotoPath, &permitted, &createdAtStr); err != nil {
			return nil, fmt.Errorf("list members: %w", err)
		}
		m.Permitted = permitted != 0
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMember rewrites a member row owned by m.OwnerID.
func (s *Store) UpdateMember(ctx context.Context, m store.Member) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE members SET name = ?, phone = ?, role = ?, photo_path = ?, permitted = ?
		 WHERE id = ? AND owner_id = ?`,
		m.Name, m.Phone, m.Role, m.PhotoPath, boolToInt(m.Permitted), m.ID, m.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("update member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update member: rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteMember removes a member row owned by ownerID.
func (s *Store) DeleteMember(ctx context.Context, ownerID, memberID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM members WHERE id = ? AND owner_id = ?`, memberID, ownerID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete member: rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
