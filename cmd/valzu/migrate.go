package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/valzu-ai/valzu-chat/internal/adapter/postgres"
	"github.com/valzu-ai/valzu-chat/internal/config"
)

// runMigrate applies, rolls back or reports PostgreSQL schema migrations.
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	down := fs.Int("down", 0, "roll back this many migrations instead of applying")
	status := fs.Bool("status", false, "print the current schema version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Driver != config.DriverPostgres {
		return fmt.Errorf("migrate needs the postgres store driver, configured %q", cfg.Store.Driver)
	}
	dsn := cfg.Store.Postgres.DSN
	ctx := context.Background()

	switch {
	case *status:
	case *down > 0:
		if err := postgres.RollbackMigrations(ctx, dsn, *down); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
	default:
		if err := postgres.RunMigrations(ctx, dsn); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	v, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Schema version %d\n", v)
	return nil
}
