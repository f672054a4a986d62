package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Migration is one forward schema change.
type Migration struct {
	Version int
	Name    string
	UpSQL   []string
}

// migrations use DDL understood by both SQLite and PostgreSQL.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_audit_events",
		UpSQL: []string{
			`CREATE TABLE IF NOT EXISTS audit_events (
				id TEXT PRIMARY KEY,
				occurred_at TIMESTAMP NOT NULL,
				event_type TEXT NOT NULL,
				severity TEXT NOT NULL,
				user_id TEXT NOT NULL DEFAULT '',
				session_id TEXT NOT NULL DEFAULT '',
				source_address TEXT NOT NULL DEFAULT '',
				details TEXT NOT NULL DEFAULT '{}',
				metadata TEXT NOT NULL DEFAULT '{}',
				synthetic BOOLEAN NOT NULL DEFAULT FALSE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at ON audit_events (occurred_at)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events (event_type)`,
		},
	},
	{
		Version: 2,
		Name:    "create_team_members",
		UpSQL: []string{
			`CREATE TABLE IF NOT EXISTS team_members (
				team_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				role TEXT NOT NULL,
				invited_at TIMESTAMP NOT NULL,
				joined_at TIMESTAMP NULL,
				PRIMARY KEY (team_id, user_id)
			)`,
		},
	},
}

// Migrations returns the schema migrations in order.
func Migrations() []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	return out
}

// Migrate applies all pending migrations, each in its own transaction.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := d.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := d.apply(ctx, m); err != nil {
			return err
		}
		d.logger.Info("Migration applied",
			zap.Int("version", m.Version),
			zap.String("name", m.Name),
		)
	}
	return nil
}

func (d *DB) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := d.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (d *DB) apply(ctx context.Context, m Migration) error {
	tx, err := d.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin migration %s: %w", m.Name, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.UpSQL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", m.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, d.Rebind(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`), m.Version, m.Name); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", m.Name, err)
	}
	return nil
}
