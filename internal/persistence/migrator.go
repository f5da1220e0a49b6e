package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Migrator applies the SQL files in migrationsDir, named
// {version}_{name}.up.sql / .down.sql. Each file runs in its own
// transaction together with its bookkeeping row, so a failed file leaves no
// trace.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

// Up applies every pending up-migration in version order.
func (m *Migrator) Up(ctx context.Context) error {
	_, pending, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		m.logger.Debug().Msg("schema up to date")
		return nil
	}

	for _, f := range pending {
		version := migrationVersion(f)
		err := m.runFile(ctx, f, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.laminar_migrations (version, filename) VALUES ($1, $2)`,
				version, f)
			return err
		})
		if err != nil {
			return err
		}
		m.logger.Info().Str("version", version).Str("file", f).Msg("applied migration")
	}
	return nil
}

// Down rolls back the newest applied migration. With nothing applied it
// is a no-op.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.laminar_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	down := strings.TrimSuffix(filename, upSuffix) + downSuffix
	err = m.runFile(ctx, down, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM public.laminar_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return err
	}
	m.logger.Info().Str("version", version).Str("file", down).Msg("rolled back migration")
	return nil
}

// Status splits the up-migration files into applied and pending, both in
// version order.
func (m *Migrator) Status(ctx context.Context) (applied, pending []string, err error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, nil, err
	}
	versions, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("applied versions: %w", err)
	}
	files, err := m.files(upSuffix)
	if err != nil {
		return nil, nil, fmt.Errorf("list migrations: %w", err)
	}
	for _, f := range files {
		if versions[migrationVersion(f)] {
			applied = append(applied, f)
		} else {
			pending = append(pending, f)
		}
	}
	return applied, pending, nil
}

// runFile executes one migration file and record in a single transaction.
func (m *Migrator) runFile(ctx context.Context, name string, record func(*sql.Tx) error) error {
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, name))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", name, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return tx.Commit()
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.laminar_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.laminar_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (m *Migrator) files(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// migrationVersion is the prefix before the first underscore:
// "000001_ledger.up.sql" -> "000001".
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
