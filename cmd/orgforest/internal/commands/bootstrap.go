package commands

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/orgforest/orgforest/internal/models"
	"github.com/orgforest/orgforest/internal/store"
	"github.com/orgforest/orgforest/internal/store/postgres"
	"github.com/rs/zerolog/log"
)

// BootstrapCmd creates the root organization of a fresh deployment. Running
// it against an already-bootstrapped database is a no-op.
type BootstrapCmd struct {
	Name        string `help:"root organization name" default:"Super"`
	Handle      string `help:"root organization handle" default:"super"`
	CreatorName string `help:"recorded creator name" default:"system"`

	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

func (c *BootstrapCmd) Run(ctx context.Context, globals *Globals) error {
	setup(globals)

	pool, err := openPool(ctx, c.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()

	orgStore, err := postgres.NewOrganizationStore(ctx, pool, &postgres.StoreConfig{AutoMigrate: true})
	if err != nil {
		return err
	}

	now := time.Now()
	root := &models.Organization{
		OrgID:        uuid.Must(uuid.NewV7()),
		Name:         c.Name,
		Handle:       c.Handle,
		Status:       models.StatusActive,
		Type:         models.TypeStructural,
		CreatorName:  c.CreatorName,
		CreatedAt:    now,
		LastModified: now,
	}

	if err := orgStore.CreateRoot(ctx, root); err != nil {
		if errors.Is(err, store.ErrRootAlreadyExists) {
			log.Info().Msg("Root organization already exists, nothing to do")
			return nil
		}
		return err
	}

	log.Info().
		Str("org_id", root.OrgID.String()).
		Str("name", root.Name).
		Msg("Created root organization")

	return nil
}
