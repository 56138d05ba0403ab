package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/rs/zerolog"

	"github.com/RezaEskandarii/gofleet/internal/constants"
	"github.com/RezaEskandarii/gofleet/internal/lock"
)

const Schema = "gofleet_schema"

//go:embed migrations/*.sql
var migrations embed.FS

// Init creates the schema and runs the embedded migration scripts in name order.
// Only one process migrates at a time: the work runs under the migration lock.
func Init(ctx context.Context, db *sql.DB, distributedLock lock.DistributedLockManager, logger zerolog.Logger) error {
	migrationLock := constants.MigrationLock

	if err := distributedLock.Acquire(ctx, migrationLock); err != nil {
		return err
	}
	defer func() {
		if err := distributedLock.Release(context.WithoutCancel(ctx), migrationLock); err != nil {
			logger.Error().Err(err).Msg("failed to release migration lock")
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", Schema)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	scripts, err := readSQLScripts()
	if err != nil {
		return err
	}
	for _, script := range scripts {
		logger.Debug().Str("script", script.name).Msg("running migration")
		if _, err := db.ExecContext(ctx, script.body); err != nil {
			return fmt.Errorf("migration %s: %w", script.name, err)
		}
	}

	logger.Info().Int("scripts", len(scripts)).Msg("database migrated")
	return nil
}

type sqlScript struct {
	name string
	body string
}

func readSQLScripts() ([]sqlScript, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var scripts []sqlScript
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := fs.ReadFile(migrations, "migrations/"+entry.Name())
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, sqlScript{name: entry.Name(), body: string(content)})
	}

	return scripts, nil
}
