package dbutil

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const migrationsTable = "schema_migrations"

// Migration is one ordered SQL script.
type Migration struct {
	Version    string
	Statements []string
}

// LoadMigrations reads every *.sql file of fsys (sorted by name) as a
// migration. Statements are separated by a semicolon at end of line.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		migrations = append(migrations, Migration{
			Version:    strings.TrimSuffix(name, ".sql"),
			Statements: splitStatements(string(raw)),
		})
	}
	return migrations, nil
}

func splitStatements(script string) []string {
	var (
		statements []string
		current    strings.Builder
	)
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
			statements = append(statements, stmt)
			current.Reset()
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		statements = append(statements, rest)
	}
	return statements
}

// Migrate applies the migrations of fsys that are not yet recorded in
// schema_migrations. Each migration runs in its own transaction.
func Migrate(ctx context.Context, db *sqlx.DB, driver string, fsys fs.FS, log *slog.Logger) (int, error) {
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return 0, err
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", migrationsTable, err)
	}

	var applied []string
	if err := db.SelectContext(ctx, &applied, `SELECT version FROM `+migrationsTable); err != nil {
		return 0, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	sb := Builder(driver)
	count := 0
	for _, m := range migrations {
		if done[m.Version] {
			continue
		}

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return count, err
		}
		for i, stmt := range m.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return count, fmt.Errorf("migration %s statement %d: %w", m.Version, i+1, err)
			}
		}

		query, args, err := sb.Insert(migrationsTable).
			Columns("version", "applied_at").
			Values(m.Version, time.Now().UTC()).
			ToSql()
		if err != nil {
			tx.Rollback()
			return count, err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return count, err
		}

		count++
		if log != nil {
			log.Debug("Applied migration", "version", m.Version)
		}
	}
	return count, nil
}
