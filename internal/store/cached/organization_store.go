package cached

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/orgforest/orgforest/internal/cache"
	"github.com/orgforest/orgforest/internal/models"
	"github.com/orgforest/orgforest/internal/store"
	"github.com/rs/zerolog/log"
)

// Cache names as they appear in the cache configuration file.
const (
	MinimalCacheName = "org_minimal"
	DetailCacheName  = "org_detail"
)

// globalPartition holds entries for organizations above any tenant boundary,
// which have no tenant domain to partition by.
const globalPartition = "global"

// OrganizationStore decorates an inner store with read-through caching of the
// single-entity projections. Listing and hierarchy queries always go to the
// inner store.
//
// Coherence model: entries are populated on read misses and evicted after
// every durable write to the organization. Writes that change a parent's
// child set also evict the parent. Eviction prefers dropping too much over
// keeping anything stale.
type OrganizationStore struct {
	store.OrganizationStore

	minimal *cache.Cache[models.MinimalOrganization]
	detail  *cache.Cache[models.Organization]
}

var _ store.OrganizationStore = (*OrganizationStore)(nil)

// NewOrganizationStore wraps inner with the minimal and detail entity caches
// configured in cfg.
func NewOrganizationStore(inner store.OrganizationStore, cfg *cache.FileConfig) *OrganizationStore {
	return &OrganizationStore{
		OrganizationStore: inner,
		minimal:           cache.New[models.MinimalOrganization](MinimalCacheName, cfg.For(MinimalCacheName)),
		detail:            cache.New[models.Organization](DetailCacheName, cfg.For(DetailCacheName)),
	}
}

// Stop shuts down the cache instances. The inner store is not touched.
func (s *OrganizationStore) Stop() {
	s.minimal.Stop()
	s.detail.Stop()
}

func (s *OrganizationStore) Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	partition, resolved := s.partition(ctx, orgID)

	if resolved {
		if cached, ok := s.detail.Get(ctx, partition, orgID.String()); ok {
			return &cached, nil
		}
	}

	org, err := s.OrganizationStore.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}

	// Never populate under a guessed partition; a later eviction would
	// miss it.
	if resolved {
		s.detail.Set(ctx, partition, orgID.String(), *org)
	}
	return org, nil
}

func (s *OrganizationStore) GetMinimal(ctx context.Context, orgID uuid.UUID) (models.MinimalOrganization, error) {
	partition, resolved := s.partition(ctx, orgID)

	if resolved {
		if cached, ok := s.minimal.Get(ctx, partition, orgID.String()); ok {
			return cached, nil
		}
	}

	org, err := s.OrganizationStore.GetMinimal(ctx, orgID)
	if err != nil {
		return models.MinimalOrganization{}, err
	}

	if resolved {
		s.minimal.Set(ctx, partition, orgID.String(), org)
	}
	return org, nil
}

func (s *OrganizationStore) CreateRoot(ctx context.Context, org *models.Organization) error {
	return s.OrganizationStore.CreateRoot(ctx, org)
}

func (s *OrganizationStore) Create(ctx context.Context, org *models.Organization) error {
	if err := s.OrganizationStore.Create(ctx, org); err != nil {
		return err
	}

	// The parent's detail entry carries child ids and is now stale.
	if org.ParentID != nil {
		s.evict(ctx, *org.ParentID)
	}
	return nil
}

func (s *OrganizationStore) Update(ctx context.Context, org *models.Organization) error {
	if err := s.OrganizationStore.Update(ctx, org); err != nil {
		return err
	}
	s.evict(ctx, org.OrgID)
	return nil
}

func (s *OrganizationStore) Patch(ctx context.Context, orgID uuid.UUID, lastModified time.Time, ops []store.PatchOperation) error {
	if err := s.OrganizationStore.Patch(ctx, orgID, lastModified, ops); err != nil {
		return err
	}
	s.evict(ctx, orgID)
	return nil
}

func (s *OrganizationStore) Delete(ctx context.Context, orgID uuid.UUID) error {
	// Capture the partition and parent before the row disappears.
	partition, resolved := s.partition(ctx, orgID)
	var parentID *uuid.UUID
	if org, err := s.OrganizationStore.GetMinimal(ctx, orgID); err == nil {
		if id, ok := org.ParentID(); ok {
			parentID = &id
		}
	}

	if err := s.OrganizationStore.Delete(ctx, orgID); err != nil {
		return err
	}

	if resolved {
		s.evictIn(ctx, partition, orgID)
	} else {
		s.evictEverywhere(ctx, orgID)
	}
	if parentID != nil {
		s.evict(ctx, *parentID)
	}
	return nil
}

// partition resolves the tenant partition for an organization. Organizations
// above every tenant boundary share the global partition. The second return
// is false when resolution failed for any other reason; callers must then
// stay off the cache on reads and evict every partition on writes.
func (s *OrganizationStore) partition(ctx context.Context, orgID uuid.UUID) (string, bool) {
	domain, err := s.OrganizationStore.ResolveTenantDomain(ctx, orgID)
	if err != nil {
		if errors.Is(err, store.ErrTenantNotFound) || errors.Is(err, store.ErrOrganizationNotFound) {
			return globalPartition, true
		}
		log.Warn().
			Err(err).
			Str("org_id", orgID.String()).
			Msg("Failed to resolve tenant partition")
		return "", false
	}
	return domain, true
}

// evict drops the entity from its tenant partition. When the partition cannot
// be resolved it drops the entity from every partition instead; a write must
// never leave a cached projection behind.
func (s *OrganizationStore) evict(ctx context.Context, orgID uuid.UUID) {
	partition, resolved := s.partition(ctx, orgID)
	if !resolved {
		s.evictEverywhere(ctx, orgID)
		return
	}
	s.evictIn(ctx, partition, orgID)
}

func (s *OrganizationStore) evictIn(ctx context.Context, partition string, orgID uuid.UUID) {
	s.minimal.Delete(ctx, partition, orgID.String())
	s.detail.Delete(ctx, partition, orgID.String())
}

func (s *OrganizationStore) evictEverywhere(ctx context.Context, orgID uuid.UUID) {
	s.minimal.DeleteEverywhere(ctx, orgID.String())
	s.detail.DeleteEverywhere(ctx, orgID.String())
}
