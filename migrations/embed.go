// Package migrations embeds the SQL schema and applies it in filename order.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strings"
)

//go:embed *.sql
var FS embed.FS

const bookkeeping = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Up applies every *.up.sql file that is not yet recorded in
// schema_migrations and returns the versions it applied.
func Up(ctx context.Context, db *sql.DB) ([]string, error) {
	if _, err := db.ExecContext(ctx, bookkeeping); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := list(".up.sql")
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, file := range files {
		version := strings.TrimSuffix(file, ".up.sql")
		var exists bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
		).Scan(&exists); err != nil {
			return applied, fmt.Errorf("check migration %s: %w", version, err)
		}
		if exists {
			continue
		}
		if err := apply(ctx, db, file, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			return applied, err
		}
		applied = append(applied, version)
	}
	return applied, nil
}

// Down reverts the most recently applied migration, if any.
func Down(ctx context.Context, db *sql.DB) (string, error) {
	if _, err := db.ExecContext(ctx, bookkeeping); err != nil {
		return "", fmt.Errorf("create schema_migrations: %w", err)
	}
	var version string
	err := db.QueryRowContext(ctx,
		`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find latest migration: %w", err)
	}
	if err := apply(ctx, db, version+".down.sql", `DELETE FROM schema_migrations WHERE version = $1`, version); err != nil {
		return "", err
	}
	return version, nil
}

func apply(ctx context.Context, db *sql.DB, file, bookkeepingSQL, version string) error {
	content, err := fs.ReadFile(FS, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", file, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("execute migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeepingSQL, version); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func list(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(FS, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	slices.Sort(files)
	return files, nil
}
