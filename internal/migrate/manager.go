// Package migrate applies the SQL schema for the Postgres document store.
// Migrations are ordered in code and tracked in a bookkeeping table so Up is
// idempotent.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const defaultMigrationsTable = "schema_migrations"

// Migration is one named schema step.
type Migration struct {
	Name string
	SQL  string
}

// Migrations is the ordered schema for the document store.
var Migrations = []Migration{
	{
		Name: "0001_documents",
		SQL: `
			create table if not exists documents (
				id text primary key,
				collection text not null,
				membership_id text not null default '',
				doc jsonb not null
			);`,
	},
	{
		Name: "0002_documents_collection_idx",
		SQL:  `create index if not exists documents_collection_membership_idx on documents (collection, membership_id);`,
	},
	{
		Name: "0003_documents_search_idx",
		SQL:  `create index if not exists documents_search_idx on documents using gin (to_tsvector('simple', doc::text));`,
	},
}

// Manager executes migrations against a database handle.
type Manager struct {
	db              *sql.DB
	migrations      []Migration
	migrationsTable string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithMigrations overrides the migration list, used by tests.
func WithMigrations(migrations []Migration) Option {
	return func(m *Manager) {
		m.migrations = migrations
	}
}

// NewManager constructs a Manager over the standard migration list.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      Migrations,
		migrationsTable: defaultMigrationsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in order.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	executed, err := m.listExecuted(ctx)
	if err != nil {
		return err
	}
	for _, mig := range m.migrations {
		if executed[mig.Name] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.Name, err)
		}
	}
	return nil
}

// Status returns applied migrations in application order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func (m *Manager) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, m.migrationsTable)
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

func (m *Manager) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.migrationsTable),
		mig.Name, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) listExecuted(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result[name] = true
	}
	return result, rows.Err()
}
