package db

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"taskwiser/migrations"
)

// Migrate applies every embedded migration that has not run yet, in file
// name order. Each file runs in its own transaction.
func Migrate(ctx context.Context, pool TxBeginner) error {
	return MigrateFS(ctx, pool, migrations.FS)
}

// MigrateFS is Migrate over an arbitrary set of *.sql files.
func MigrateFS(ctx context.Context, pool TxBeginner, files fs.FS) error {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return fmt.Errorf("db: list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := applyOne(ctx, pool, files, name); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(ctx context.Context, pool TxBeginner, files fs.FS, name string) error {
	data, err := fs.ReadFile(files, name)
	if err != nil {
		return fmt.Errorf("db: read %s: %w", name, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: begin %s: %w", name, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("db: ensure schema_migrations: %w", err)
	}

	version := path.Base(name)
	tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT DO NOTHING`, version)
	if err != nil {
		return fmt.Errorf("db: record %s: %w", version, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx, string(data)); err != nil {
		return fmt.Errorf("db: apply %s: %w", version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db: commit %s: %w", version, err)
	}
	return nil
}
