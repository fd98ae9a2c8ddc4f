// Package migrations embeds the schema for every SQL backend and applies it
// with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Dialect selects the schema flavour.
type Dialect string

// Supported dialects.
const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func (d Dialect) source() (fs.FS, goose.Dialect, error) {
	var dialect goose.Dialect
	switch d {
	case Postgres:
		dialect = goose.DialectPostgres
	case SQLite:
		dialect = goose.DialectSQLite3
	default:
		return nil, "", fmt.Errorf("unsupported migration dialect %q", string(d))
	}
	sub, err := fs.Sub(files, string(d))
	if err != nil {
		return nil, "", fmt.Errorf("open embedded %s migrations: %w", d, err)
	}
	return sub, dialect, nil
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB, d Dialect, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	provider, err := newProvider(db, d)
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply %s migrations: %w", d, err)
	}
	for _, r := range results {
		logger.Info("migration applied",
			zap.String("dialect", string(d)),
			zap.Int64("version", r.Source.Version),
			zap.Duration("duration", r.Duration),
		)
	}
	return nil
}

// Version reports the schema version currently applied.
func Version(ctx context.Context, db *sql.DB, d Dialect) (int64, error) {
	provider, err := newProvider(db, d)
	if err != nil {
		return 0, err
	}
	v, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("read %s schema version: %w", d, err)
	}
	return v, nil
}

func newProvider(db *sql.DB, d Dialect) (*goose.Provider, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	fsys, dialect, err := d.source()
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	return provider, nil
}
