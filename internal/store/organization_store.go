package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/orgforest/orgforest/internal/filter"
	"github.com/orgforest/orgforest/internal/models"
)

// Sentinel errors for organization store operations
var (
	// ErrOrganizationNotFound is returned by single-entity reads for an
	// absent id. Collection reads return empty results instead.
	ErrOrganizationNotFound = errors.New("organization not found")

	// ErrOrganizationAlreadyExists covers id collisions and sibling name
	// collisions on create.
	ErrOrganizationAlreadyExists = errors.New("organization already exists")

	// ErrConcurrentModification is returned by Patch when the supplied
	// lastModified token no longer matches the stored row.
	ErrConcurrentModification = errors.New("organization was modified concurrently")

	// ErrChildOrganizationsExist rejects deletion of a non-leaf
	// organization. Subtrees are deleted bottom-up by the caller.
	ErrChildOrganizationsExist = errors.New("organization has child organizations")

	// ErrNotInSameBranch is returned by RelativeDepth when neither
	// organization is an ancestor of the other.
	ErrNotInSameBranch = errors.New("organizations are not in the same branch")

	// ErrDepthOutOfRange is returned by AncestorAtDepth when the requested
	// depth exceeds the organization's own depth or is negative.
	ErrDepthOutOfRange = errors.New("requested depth is outside the ancestor chain")

	// ErrTenantNotFound is returned by ResolveTenantDomain when no tenant
	// association exists on the organization or any of its ancestors.
	ErrTenantNotFound = errors.New("no tenant association for organization")

	// ErrInvalidPatchOperation rejects malformed patch operations.
	ErrInvalidPatchOperation = errors.New("invalid patch operation")

	// ErrRootAlreadyExists rejects a second root organization.
	ErrRootAlreadyExists = errors.New("root organization already exists")
)

// SortField selects the listing sort key.
type SortField string

const (
	SortByCreated SortField = "created"
	SortByName    SortField = "name"
)

// SortOrder selects the listing direction.
type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// ListOptions controls the unified listing operation. Results are always
// BasicOrganization projections; IncludeAttributes additionally hydrates meta
// attributes onto each row.
type ListOptions struct {
	// ParentID scopes the listing to organizations under this id.
	ParentID uuid.UUID

	// Recursive widens the scope from immediate children to the full
	// subtree.
	Recursive bool

	// Limit caps the page size. Zero means the store default.
	Limit int

	SortBy    SortField
	SortOrder SortOrder

	// After is the id of the last row of the previous page. uuid.Nil asks
	// for the first page. Ties on the sort key always break by id, so the
	// cursor is unambiguous.
	After uuid.UUID

	// IncludeAttributes is the projection flag: when set, each result
	// carries its meta attributes.
	IncludeAttributes bool

	// Filters apply to primary fields and meta attributes of the listed
	// organizations; ParentFilters apply to their parent ids. Both combine
	// with AND.
	Filters       []filter.Expression
	ParentFilters []filter.Expression
}

// MetaAttributesOptions controls the distinct meta-attribute key listing used
// for typeahead and faceting.
type MetaAttributesOptions struct {
	ParentID  uuid.UUID
	Recursive bool
	Filters   []filter.Expression
}

// PatchOp is a partial-update operation kind.
type PatchOp string

const (
	PatchAdd     PatchOp = "add"
	PatchReplace PatchOp = "replace"
	PatchRemove  PatchOp = "remove"
)

// PatchOperation is one field-level change. Supported paths are "name",
// "description", "status" and "attributes/<key>".
type PatchOperation struct {
	Op    PatchOp
	Path  string
	Value string
}

// OrganizationStore is the hierarchy-aware data access contract. All
// operations are synchronous; cancellation and timeouts ride on the context
// and the backing store's query timeout. Collection reads return empty slices
// for "nothing matched", never nil errors dressed up as values.
type OrganizationStore interface {
	// CreateRoot persists the single distinguished root organization.
	// Returns ErrRootAlreadyExists if a root is already present.
	CreateRoot(ctx context.Context, org *models.Organization) error

	// Create persists a non-root organization together with its attribute
	// rows and ancestor-closure rows, transactionally.
	// Returns ErrOrganizationAlreadyExists on id or sibling-name collision.
	Create(ctx context.Context, org *models.Organization) error

	// Get retrieves the full organization, including attributes, child ids
	// and permissions. Returns ErrOrganizationNotFound if absent.
	Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error)

	// GetMinimal retrieves the cache-safe minimal projection.
	GetMinimal(ctx context.Context, orgID uuid.UUID) (models.MinimalOrganization, error)

	// List returns one page of basic projections under opts.ParentID.
	List(ctx context.Context, opts ListOptions) ([]*models.BasicOrganization, error)

	// ChildGraph materializes the forest rooted at the immediate children
	// of orgID. Non-recursive mode returns each immediate child with an
	// empty children list. An organization with no children yields an
	// empty slice, never nil.
	ChildGraph(ctx context.Context, orgID uuid.UUID, recursive bool) ([]*models.OrganizationNode, error)

	// Hierarchy predicates.
	HasChildren(ctx context.Context, orgID uuid.UUID) (bool, error)
	HasActiveChildren(ctx context.Context, orgID uuid.UUID) (bool, error)
	IsParentDisabled(ctx context.Context, orgID uuid.UUID) (bool, error)
	IsDescendantOf(ctx context.Context, orgID, ancestorID uuid.UUID) (bool, error)
	IsImmediateChildOf(ctx context.Context, orgID, parentID uuid.UUID) (bool, error)

	// AncestorIDs returns ids from orgID up to and including the root,
	// closest first.
	AncestorIDs(ctx context.Context, orgID uuid.UUID) ([]uuid.UUID, error)

	// Ancestors is AncestorIDs with names and absolute depths.
	Ancestors(ctx context.Context, orgID uuid.UUID) ([]models.AncestorOrganization, error)

	// Depth returns the absolute depth of orgID; the root has depth 0.
	Depth(ctx context.Context, orgID uuid.UUID) (int, error)

	// RelativeDepth returns the distance between two organizations on the
	// same ancestor chain. Returns ErrNotInSameBranch when neither is an
	// ancestor of the other.
	RelativeDepth(ctx context.Context, a, b uuid.UUID) (int, error)

	// AncestorAtDepth returns the ancestor of orgID whose absolute depth
	// equals depth. Returns ErrDepthOutOfRange when depth exceeds the
	// organization's own depth.
	AncestorAtDepth(ctx context.Context, orgID uuid.UUID, depth int) (uuid.UUID, error)

	// Update replaces the mutable fields and attributes of an organization.
	Update(ctx context.Context, org *models.Organization) error

	// Patch applies field-level operations under optimistic concurrency:
	// lastModified must match the stored row or ErrConcurrentModification
	// is returned.
	Patch(ctx context.Context, orgID uuid.UUID, lastModified time.Time, ops []PatchOperation) error

	// Delete removes a child-free organization.
	// Returns ErrChildOrganizationsExist otherwise.
	Delete(ctx context.Context, orgID uuid.UUID) error

	// Existence and name-collision checks.
	Exists(ctx context.Context, orgID uuid.UUID) (bool, error)
	SiblingExistsWithName(ctx context.Context, parentID uuid.UUID, name string) (bool, error)
	DescendantExistsWithName(ctx context.Context, rootID uuid.UUID, name string) (bool, error)

	// ListMetaAttributeKeys returns the distinct meta-attribute keys across
	// the (optionally recursive, optionally filtered) set under ParentID.
	ListMetaAttributeKeys(ctx context.Context, opts MetaAttributesOptions) ([]string, error)

	// ResolveTenantDomain returns the tenant domain of the nearest
	// self-or-ancestor organization that carries a tenant association.
	ResolveTenantDomain(ctx context.Context, orgID uuid.UUID) (string, error)
}
