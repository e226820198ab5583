package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/orgforest/orgforest/internal/models"
)

// Hooks are the before/after extension points around mutating and single-read
// operations. All fields are optional. Pre hooks may veto an operation by
// returning an error; post hooks run only after the operation succeeded and
// receive its result. Listener registration and dispatch belong to the caller.
type Hooks struct {
	PreCreate  func(ctx context.Context, org *models.Organization) error
	PostCreate func(ctx context.Context, org *models.Organization)

	PreGet  func(ctx context.Context, orgID uuid.UUID) error
	PostGet func(ctx context.Context, org *models.Organization)

	PreUpdate  func(ctx context.Context, org *models.Organization) error
	PostUpdate func(ctx context.Context, org *models.Organization)

	PrePatch  func(ctx context.Context, orgID uuid.UUID, lastModified time.Time, ops []PatchOperation) error
	PostPatch func(ctx context.Context, orgID uuid.UUID, ops []PatchOperation)

	PreDelete  func(ctx context.Context, orgID uuid.UUID) error
	PostDelete func(ctx context.Context, orgID uuid.UUID)
}

// hookedStore wraps a store and invokes hooks around the hooked operations.
// Everything else passes straight through via embedding.
type hookedStore struct {
	OrganizationStore
	hooks Hooks
}

// WithHooks returns a store that invokes hooks around create, get, update,
// patch and delete.
func WithHooks(inner OrganizationStore, hooks Hooks) OrganizationStore {
	return &hookedStore{OrganizationStore: inner, hooks: hooks}
}

func (s *hookedStore) Create(ctx context.Context, org *models.Organization) error {
	if s.hooks.PreCreate != nil {
		if err := s.hooks.PreCreate(ctx, org); err != nil {
			return err
		}
	}
	if err := s.OrganizationStore.Create(ctx, org); err != nil {
		return err
	}
	if s.hooks.PostCreate != nil {
		s.hooks.PostCreate(ctx, org)
	}
	return nil
}

func (s *hookedStore) Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	if s.hooks.PreGet != nil {
		if err := s.hooks.PreGet(ctx, orgID); err != nil {
			return nil, err
		}
	}
	org, err := s.OrganizationStore.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if s.hooks.PostGet != nil {
		s.hooks.PostGet(ctx, org)
	}
	return org, nil
}

func (s *hookedStore) Update(ctx context.Context, org *models.Organization) error {
	if s.hooks.PreUpdate != nil {
		if err := s.hooks.PreUpdate(ctx, org); err != nil {
			return err
		}
	}
	if err := s.OrganizationStore.Update(ctx, org); err != nil {
		return err
	}
	if s.hooks.PostUpdate != nil {
		s.hooks.PostUpdate(ctx, org)
	}
	return nil
}

func (s *hookedStore) Patch(ctx context.Context, orgID uuid.UUID, lastModified time.Time, ops []PatchOperation) error {
	if s.hooks.PrePatch != nil {
		if err := s.hooks.PrePatch(ctx, orgID, lastModified, ops); err != nil {
			return err
		}
	}
	if err := s.OrganizationStore.Patch(ctx, orgID, lastModified, ops); err != nil {
		return err
	}
	if s.hooks.PostPatch != nil {
		s.hooks.PostPatch(ctx, orgID, ops)
	}
	return nil
}

func (s *hookedStore) Delete(ctx context.Context, orgID uuid.UUID) error {
	if s.hooks.PreDelete != nil {
		if err := s.hooks.PreDelete(ctx, orgID); err != nil {
			return err
		}
	}
	if err := s.OrganizationStore.Delete(ctx, orgID); err != nil {
		return err
	}
	if s.hooks.PostDelete != nil {
		s.hooks.PostDelete(ctx, orgID)
	}
	return nil
}
