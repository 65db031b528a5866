// Package identity persists users with unique email and username, enforced
// by database constraints so uniqueness is atomic with insert.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/platerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	username      TEXT NOT NULL UNIQUE,
	full_name     TEXT NOT NULL DEFAULT '',
	kdf_name      TEXT NOT NULL,
	kdf_cost      INTEGER NOT NULL,
	password_hash TEXT NOT NULL,
	org_id        TEXT NOT NULL,
	team_ids      TEXT NOT NULL DEFAULT '[]',
	roles         TEXT NOT NULL DEFAULT '[]',
	mfa_enrolled  BOOLEAN NOT NULL DEFAULT FALSE,
	mfa_secret    TEXT NOT NULL DEFAULT '',
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMP NOT NULL,
	last_login_at TIMESTAMP,
	preferences   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_users_org ON users (org_id);
`

// Store is the user store. Reads dominate; lookups by id, email, and username
// all hit unique indexes.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore prepares the store and creates the schema if missing.
func NewStore(db *sqlx.DB, logger *zap.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("identity schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Create inserts a user. Email and username collisions surface as UserExists.
func (s *Store) Create(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO users (id, email, username, full_name, kdf_name, kdf_cost,
			password_hash, org_id, team_ids, roles, mfa_enrolled, mfa_secret,
			active, created_at, preferences)
		VALUES (:id, :email, :username, :full_name, :kdf_name, :kdf_cost,
			:password_hash, :org_id, :team_ids, :roles, :mfa_enrolled, :mfa_secret,
			:active, :created_at, :preferences)
	`
	if _, err := s.db.NamedExecContext(ctx, query, user); err != nil {
		if isUniqueViolation(err) {
			return platerr.New(platerr.KindUserExists, "account already exists")
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("User created",
		zap.String("user_id", user.ID),
		zap.String("org_id", user.OrgID))
	return nil
}

// GetByID looks up a user by its identifier.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, s.db.Rebind(
		`SELECT * FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, platerr.New(platerr.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetByEmailOrUsername resolves a login identifier through the unique
// indexes, so the lookup cost is independent of store size.
func (s *Store) GetByEmailOrUsername(ctx context.Context, identifier string) (*User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, s.db.Rebind(
		`SELECT * FROM users WHERE email = ? OR username = ?`), identifier, identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, platerr.New(platerr.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// Update rewrites the mutable attributes of a user.
func (s *Store) Update(ctx context.Context, user *User) error {
	query := `
		UPDATE users SET email = :email, username = :username,
			full_name = :full_name, kdf_name = :kdf_name, kdf_cost = :kdf_cost,
			password_hash = :password_hash, org_id = :org_id,
			team_ids = :team_ids, roles = :roles, mfa_enrolled = :mfa_enrolled,
			mfa_secret = :mfa_secret, active = :active,
			last_login_at = :last_login_at, preferences = :preferences
		WHERE id = :id
	`
	res, err := s.db.NamedExecContext(ctx, query, user)
	if err != nil {
		if isUniqueViolation(err) {
			return platerr.New(platerr.KindUserExists, "account already exists")
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return platerr.New(platerr.KindNotFound, "user not found")
	}
	return nil
}

// ListByOrg returns all users belonging to an organization.
func (s *Store) ListByOrg(ctx context.Context, orgID string) ([]*User, error) {
	var users []*User
	err := s.db.SelectContext(ctx, &users, s.db.Rebind(
		`SELECT * FROM users WHERE org_id = ? ORDER BY created_at`), orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// StampLastLogin records a successful login instant.
func (s *Store) StampLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE users SET last_login_at = ? WHERE id = ?`), at, userID)
	if err != nil {
		return fmt.Errorf("failed to stamp last login: %w", err)
	}
	return nil
}

// DeleteByOrg removes all users of an organization; part of org cascade.
func (s *Store) DeleteByOrg(ctx context.Context, orgID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM users WHERE org_id = ?`), orgID)
	if err != nil {
		return fmt.Errorf("failed to delete org users: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
