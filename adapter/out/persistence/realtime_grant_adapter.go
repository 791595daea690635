// Package persistence provides database and key-value adapters implementing
// outbound ports.
package persistence

import (
	"context"
	"fmt"

	"realtime_server/core/port/out"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	grantKindRole       = "role"
	grantKindPermission = "permission"
)

// GrantAdapter implements out.GrantStore using PostgreSQL.
type GrantAdapter struct {
	db *sqlx.DB
}

// NewGrantAdapter creates a new GrantAdapter.
func NewGrantAdapter(db *sqlx.DB) *GrantAdapter {
	return &GrantAdapter{db: db}
}

type grantRow struct {
	Roles       pq.StringArray `db:"roles"`
	Permissions pq.StringArray `db:"permissions"`
}

// Grants returns the roles and permissions granted to userID. Unknown users
// have no grants.
func (a *GrantAdapter) Grants(ctx context.Context, userID string) ([]string, []string, error) {
	const query = `
		SELECT
			array_agg(value ORDER BY value) FILTER (WHERE kind = 'role') AS roles,
			array_agg(value ORDER BY value) FILTER (WHERE kind = 'permission') AS permissions
		FROM realtime_user_grants
		WHERE user_id = $1
	`

	var row grantRow
	if err := a.db.GetContext(ctx, &row, query, userID); err != nil {
		return nil, nil, fmt.Errorf("failed to load grants: %w", err)
	}
	return []string(row.Roles), []string(row.Permissions), nil
}

// Grant records a grant. Granting twice is a no-op.
func (a *GrantAdapter) Grant(ctx context.Context, userID, kind, value string) error {
	if kind != grantKindRole && kind != grantKindPermission {
		return fmt.Errorf("%w: grant kind %q", ErrInvalidInput, kind)
	}

	const query = `
		INSERT INTO realtime_user_grants (user_id, kind, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, kind, value) DO NOTHING
	`
	if _, err := a.db.ExecContext(ctx, query, userID, kind, value); err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	return nil
}

// Schema creates the grants table when missing.
const Schema = `
CREATE TABLE IF NOT EXISTS realtime_user_grants (
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL CHECK (kind IN ('role', 'permission')),
	value      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, kind, value)
)`

// Migrate applies Schema.
func (a *GrantAdapter) Migrate(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate grants: %w", err)
	}
	return nil
}

var _ out.GrantStore = (*GrantAdapter)(nil)
