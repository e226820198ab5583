package commands

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/orgforest/orgforest/internal/logger"
	"github.com/orgforest/orgforest/internal/store/postgres"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Globals struct {
	Debug   bool
	Version string
}

// PostgresFlags carries connection settings shared by every command that
// talks to the database.
type PostgresFlags struct {
	ConnString      string `help:"PostgreSQL connection string" env:"ORGFOREST_POSTGRES_CONNECTION_STRING"`
	MaxConns        int32  `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32  `help:"minimum number of connections in pool" default:"5"`
	MaxConnLifetime int32  `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32  `help:"maximum connection idle time in seconds" default:"1800"`
}

func (p *PostgresFlags) Validate() error {
	if p.ConnString == "" {
		return fmt.Errorf("postgres connection string is required")
	}
	return nil
}

func setup(globals *Globals) {
	log.Logger = logger.Setup(globals.Debug)
	zerolog.DefaultContextLogger = &log.Logger
}

func openPool(ctx context.Context, flags PostgresFlags) (*pgxpool.Pool, error) {
	cfg := &postgres.PoolConfig{
		ConnString:      flags.ConnString,
		MaxConns:        flags.MaxConns,
		MinConns:        flags.MinConns,
		MaxConnLifetime: flags.MaxConnLifetime,
		MaxConnIdleTime: flags.MaxConnIdleTime,
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}
	return postgres.NewPool(ctx, cfg)
}
