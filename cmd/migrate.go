package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	sqlitecache "github.com/JakeFAU/crowdpulse/internal/cache/sqlite"
	"github.com/JakeFAU/crowdpulse/internal/clock/system"
	"github.com/JakeFAU/crowdpulse/internal/config"
	"github.com/JakeFAU/crowdpulse/internal/persistence/migrations"
	"github.com/JakeFAU/crowdpulse/internal/persistence/postgres"
	sqlitegateway "github.com/JakeFAU/crowdpulse/internal/persistence/sqlite"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		Long: `Applies pending migrations to the configured persistence backend and, when
the cache uses SQLite, to the cache database, dropping expired cache rows.
Memory backends need nothing.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), e.cfg, cmd.OutOrStdout(), e.logger)
		},
	}
}

func migrate(ctx context.Context, cfg config.Config, out io.Writer, logger *zap.Logger) error {
	p := cfg.Persistence
	switch p.Backend {
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{DSN: p.DSN, MaxConns: p.MaxConns})
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool, logger); err != nil {
			return err
		}
		fmt.Fprintln(out, "persistence postgres: migrated")
	case config.BackendSQLite:
		g, err := sqlitegateway.Open(ctx, p.SQLitePath, logger)
		if err != nil {
			return err
		}
		defer func() { _ = g.Close() }()
		v, err := migrations.Version(ctx, g.DB(), migrations.SQLite)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "persistence sqlite: version %d\n", v)
	default:
		fmt.Fprintf(out, "persistence %s: nothing to migrate\n", p.Backend)
	}

	if cfg.Cache.Backend == config.BackendSQLite {
		c, err := sqlitecache.Open(ctx, cfg.Cache.SQLitePath, system.New(), logger)
		if err != nil {
			return err
		}
		purged, err := c.Purge(ctx)
		if cerr := c.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close cache: %w", cerr)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "cache sqlite: migrated, purged %d expired\n", purged)
	}
	return nil
}
