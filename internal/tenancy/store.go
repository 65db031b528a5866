package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/platerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	domain        TEXT NOT NULL DEFAULT '',
	plan_type     TEXT NOT NULL,
	billing_email TEXT NOT NULL DEFAULT '',
	owner_user_id TEXT NOT NULL DEFAULT '',
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMP NOT NULL,
	settings      TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS teams (
	id           TEXT PRIMARY KEY,
	org_id       TEXT NOT NULL,
	name         TEXT NOT NULL,
	lead_user_id TEXT NOT NULL,
	members      TEXT NOT NULL DEFAULT '[]',
	permissions  TEXT NOT NULL DEFAULT '{}',
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_teams_org ON teams (org_id);
`

// Store persists the organization and team graph.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore prepares the store and creates the schema if missing.
func NewStore(db *sqlx.DB, logger *zap.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("tenancy schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// CreateOrg inserts an organization.
func (s *Store) CreateOrg(ctx context.Context, org *Organization) error {
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO organizations (id, name, domain, plan_type, billing_email,
			owner_user_id, active, created_at, settings)
		VALUES (:id, :name, :domain, :plan_type, :billing_email,
			:owner_user_id, :active, :created_at, :settings)
	`
	if _, err := s.db.NamedExecContext(ctx, query, org); err != nil {
		return fmt.Errorf("failed to create org: %w", err)
	}
	s.logger.Info("Organization created",
		zap.String("org_id", org.ID),
		zap.String("plan_type", org.PlanType))
	return nil
}

// GetOrg looks up an organization.
func (s *Store) GetOrg(ctx context.Context, orgID string) (*Organization, error) {
	var org Organization
	err := s.db.GetContext(ctx, &org, s.db.Rebind(
		`SELECT * FROM organizations WHERE id = ?`), orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, platerr.New(platerr.KindNotFound, "organization not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get org: %w", err)
	}
	return &org, nil
}

// UpdateOrg rewrites the mutable attributes of an organization.
func (s *Store) UpdateOrg(ctx context.Context, org *Organization) error {
	query := `
		UPDATE organizations SET name = :name, domain = :domain,
			plan_type = :plan_type, billing_email = :billing_email,
			owner_user_id = :owner_user_id, active = :active,
			settings = :settings
		WHERE id = :id
	`
	res, err := s.db.NamedExecContext(ctx, query, org)
	if err != nil {
		return fmt.Errorf("failed to update org: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return platerr.New(platerr.KindNotFound, "organization not found")
	}
	return nil
}

// DeleteOrg removes the organization row.
func (s *Store) DeleteOrg(ctx context.Context, orgID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM organizations WHERE id = ?`), orgID)
	if err != nil {
		return fmt.Errorf("failed to delete org: %w", err)
	}
	return nil
}

// CreateTeam inserts a team.
func (s *Store) CreateTeam(ctx context.Context, team *Team) error {
	if team.CreatedAt.IsZero() {
		team.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO teams (id, org_id, name, lead_user_id, members, permissions, created_at)
		VALUES (:id, :org_id, :name, :lead_user_id, :members, :permissions, :created_at)
	`
	if _, err := s.db.NamedExecContext(ctx, query, team); err != nil {
		return fmt.Errorf("failed to create team: %w", err)
	}
	return nil
}

// GetTeam looks up a team.
func (s *Store) GetTeam(ctx context.Context, teamID string) (*Team, error) {
	var team Team
	err := s.db.GetContext(ctx, &team, s.db.Rebind(
		`SELECT * FROM teams WHERE id = ?`), teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, platerr.New(platerr.KindNotFound, "team not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return &team, nil
}

// UpdateTeam rewrites a team row.
func (s *Store) UpdateTeam(ctx context.Context, team *Team) error {
	query := `
		UPDATE teams SET name = :name, lead_user_id = :lead_user_id,
			members = :members, permissions = :permissions
		WHERE id = :id
	`
	res, err := s.db.NamedExecContext(ctx, query, team)
	if err != nil {
		return fmt.Errorf("failed to update team: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return platerr.New(platerr.KindNotFound, "team not found")
	}
	return nil
}

// DeleteTeam removes a team row.
func (s *Store) DeleteTeam(ctx context.Context, teamID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM teams WHERE id = ?`), teamID)
	if err != nil {
		return fmt.Errorf("failed to delete team: %w", err)
	}
	return nil
}

// ListTeamsByOrg returns all teams of an organization.
func (s *Store) ListTeamsByOrg(ctx context.Context, orgID string) ([]*Team, error) {
	var teams []*Team
	err := s.db.SelectContext(ctx, &teams, s.db.Rebind(
		`SELECT * FROM teams WHERE org_id = ? ORDER BY created_at`), orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	return teams, nil
}

// DeleteTeamsByOrg removes all teams of an organization; part of org cascade.
func (s *Store) DeleteTeamsByOrg(ctx context.Context, orgID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM teams WHERE org_id = ?`), orgID)
	if err != nil {
		return fmt.Errorf("failed to delete org teams: %w", err)
	}
	return nil
}
