package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"DexLedger/internal/observability"
)

// Migrator applies the repo's SQL schema migrations. Files follow the
// {version}_{name}.up.sql / .down.sql convention; applied versions are
// recorded in public.schema_migrations, so Up is idempotent and safe to
// run on every node start.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

// migration pairs the up and down scripts of one schema version.
type migration struct {
	version  string
	name     string
	upPath   string
	downPath string
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{
		db:  db,
		dir: migrationsDir,
		log: observability.NewLogger("migrator"),
	}
}

// Up applies every migration not yet recorded, oldest first. Each
// script runs in its own transaction together with the row that records
// it, so a failed script leaves the ledger table consistent.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return err
	}

	migrations, err := m.discover()
	if err != nil {
		return err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if _, done := applied[mig.version]; done {
			continue
		}
		err := m.runScript(ctx, mig.upPath, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				mig.version, filepath.Base(mig.upPath))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s_%s: %w", mig.version, mig.name, err)
		}
		m.log.Info().
			Str("version", mig.version).
			Str("name", mig.name).
			Msg("migration applied")
	}
	return nil
}

// Down rolls back the most recently applied migration, if any.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return err
	}

	var version string
	err := m.db.QueryRowContext(ctx, `
		SELECT version FROM public.schema_migrations
		ORDER BY version DESC LIMIT 1
	`).Scan(&version)
	if err == sql.ErrNoRows {
		m.log.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("find last migration: %w", err)
	}

	migrations, err := m.discover()
	if err != nil {
		return err
	}
	var target *migration
	for i := range migrations {
		if migrations[i].version == version {
			target = &migrations[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("applied version %s has no migration file in %s", version, m.dir)
	}
	if target.downPath == "" {
		return fmt.Errorf("migration %s_%s has no down script", target.version, target.name)
	}

	err = m.runScript(ctx, target.downPath, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback %s_%s: %w", target.version, target.name, err)
	}
	m.log.Info().
		Str("version", target.version).
		Str("name", target.name).
		Msg("migration rolled back")
	return nil
}

// runScript executes one SQL file and the bookkeeping statement in a
// single transaction.
func (m *Migrator) runScript(ctx context.Context, path string, record func(*sql.Tx) error) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

// discover scans the migrations directory and pairs up/down scripts,
// sorted by version. An up script whose name does not carry a version
// prefix is an error rather than something to skip silently.
func (m *Migrator) discover() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", m.dir, err)
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var suffix string
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			suffix = ".up.sql"
		case strings.HasSuffix(e.Name(), ".down.sql"):
			suffix = ".down.sql"
		default:
			continue
		}

		stem := strings.TrimSuffix(e.Name(), suffix)
		version, name, found := strings.Cut(stem, "_")
		if !found || version == "" {
			return nil, fmt.Errorf("migration file %s: want {version}_{name}%s", e.Name(), suffix)
		}

		mig := byVersion[version]
		if mig == nil {
			mig = &migration{version: version, name: name}
			byVersion[version] = mig
		}
		if suffix == ".up.sql" {
			mig.upPath = filepath.Join(m.dir, e.Name())
		} else {
			mig.downPath = filepath.Join(m.dir, e.Name())
		}
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.upPath == "" {
			return nil, fmt.Errorf("migration %s_%s has a down script but no up script", mig.version, mig.name)
		}
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = struct{}{}
	}
	return applied, rows.Err()
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}
