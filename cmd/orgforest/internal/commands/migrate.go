package commands

import (
	"context"

	"github.com/orgforest/orgforest/internal/store/postgres"
	"github.com/rs/zerolog/log"
)

// MigrateCmd applies pending schema migrations and exits.
type MigrateCmd struct {
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

func (c *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	setup(globals)

	pool, err := openPool(ctx, c.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return err
	}

	log.Info().Str("version", globals.Version).Msg("Migrations complete")
	return nil
}
