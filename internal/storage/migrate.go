package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration directions
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Migration is one SQL file in the migrations directory
type Migration struct {
	Version string
	Path    string
}

// LoadMigrations lists the migration files for direction in apply order
func LoadMigrations(dir, direction string) ([]Migration, error) {
	if direction != DirectionUp && direction != DirectionDown {
		return nil, fmt.Errorf("direction must be %q or %q, got %q", DirectionUp, DirectionDown, direction)
	}
	suffix := "." + direction + ".sql"

	files, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
	if err != nil {
		return nil, fmt.Errorf("failed to find migration files: %w", err)
	}

	sort.Strings(files)
	if direction == DirectionDown {
		for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
			files[i], files[j] = files[j], files[i]
		}
	}

	migrations := make([]Migration, 0, len(files))
	for _, file := range files {
		migrations = append(migrations, Migration{
			Version: strings.TrimSuffix(filepath.Base(file), suffix),
			Path:    file,
		})
	}
	return migrations, nil
}

// PlanMigrations selects the migrations still to run. steps <= 0 means all.
func PlanMigrations(migrations []Migration, applied map[string]bool, direction string, steps int) []Migration {
	var plan []Migration
	for _, m := range migrations {
		// up runs what is missing, down reverts what is present
		if applied[m.Version] == (direction == DirectionUp) {
			continue
		}
		if steps > 0 && len(plan) >= steps {
			break
		}
		plan = append(plan, m)
	}
	return plan
}

// Migrator applies migrations and tracks them in schema_migrations
type Migrator struct {
	pool *pgxpool.Pool
}

// NewMigrator creates a Migrator over store's pool
func NewMigrator(store *Store) *Migrator {
	return &Migrator{pool: store.DB()}
}

// Applied ensures the tracking table exists and returns the applied versions
func (m *Migrator) Applied(ctx context.Context) (map[string]bool, error) {
	_, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := m.pool.Query(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Apply runs one migration and records it in a single transaction
func (m *Migrator) Apply(ctx context.Context, migration Migration, direction string) error {
	content, err := os.ReadFile(migration.Path)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", migration.Path, err)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", migration.Version, err)
	}

	if direction == DirectionUp {
		_, err = tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", migration.Version)
	} else {
		_, err = tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", migration.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to update migrations table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", migration.Version, err)
	}
	return nil
}
