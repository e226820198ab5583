package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orgforest/orgforest/internal/filter"
	"github.com/orgforest/orgforest/internal/models"
	"github.com/orgforest/orgforest/internal/store"
)

// OrganizationStore is an in-memory implementation of
// store.OrganizationStore for testing and local development. Hierarchy
// queries walk parent pointers; data sets are small enough that this is
// fine.
type OrganizationStore struct {
	mu      sync.RWMutex
	orgs    map[uuid.UUID]*models.Organization
	tenants map[uuid.UUID]string
	hasRoot bool
	rootID  uuid.UUID
}

var _ store.OrganizationStore = (*OrganizationStore)(nil)

// NewOrganizationStore creates a new in-memory organization store.
func NewOrganizationStore() *OrganizationStore {
	return &OrganizationStore{
		orgs:    make(map[uuid.UUID]*models.Organization),
		tenants: make(map[uuid.UUID]string),
	}
}

func (s *OrganizationStore) CreateRoot(_ context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if org.ParentID != nil {
		return fmt.Errorf("root organization must not have a parent")
	}
	if s.hasRoot {
		return store.ErrRootAlreadyExists
	}
	if err := s.insertLocked(org); err != nil {
		return err
	}
	s.hasRoot = true
	s.rootID = org.OrgID
	return nil
}

func (s *OrganizationStore) Create(_ context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if org.ParentID == nil {
		return fmt.Errorf("organization %s has no parent; use CreateRoot for the root", org.OrgID)
	}
	if _, ok := s.orgs[*org.ParentID]; !ok {
		return store.ErrOrganizationNotFound
	}
	return s.insertLocked(org)
}

func (s *OrganizationStore) insertLocked(org *models.Organization) error {
	if _, ok := s.orgs[org.OrgID]; ok {
		return store.ErrOrganizationAlreadyExists
	}
	for _, other := range s.orgs {
		if other.Name == org.Name && sameParent(other.ParentID, org.ParentID) {
			return store.ErrOrganizationAlreadyExists
		}
		if other.Handle == org.Handle {
			return store.ErrOrganizationAlreadyExists
		}
	}

	s.orgs[org.OrgID] = cloneOrganization(org)
	if org.Type == models.TypeTenant {
		s.tenants[org.OrgID] = org.Handle
	}
	return nil
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *OrganizationStore) Get(_ context.Context, orgID uuid.UUID) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.orgs[orgID]
	if !ok {
		return nil, store.ErrOrganizationNotFound
	}

	result := cloneOrganization(org)
	result.ChildIDs = s.childIDsLocked(orgID)
	return result, nil
}

func (s *OrganizationStore) GetMinimal(_ context.Context, orgID uuid.UUID) (models.MinimalOrganization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.orgs[orgID]
	if !ok {
		return models.MinimalOrganization{}, store.ErrOrganizationNotFound
	}

	return models.NewMinimalOrganization().
		OrgID(org.OrgID).
		Name(org.Name).
		Status(org.Status).
		Handle(org.Handle).
		ParentID(org.ParentID).
		CreatedAt(org.CreatedAt).
		Depth(s.depthLocked(orgID)).
		Build(), nil
}

func (s *OrganizationStore) List(_ context.Context, opts store.ListOptions) ([]*models.BasicOrganization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Organization
	for _, org := range s.orgs {
		if !s.inScopeLocked(org, opts.ParentID, opts.Recursive) {
			continue
		}

		ok, err := matchesAll(org, opts.Filters)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		if len(opts.ParentFilters) > 0 {
			parentCandidate := ""
			if org.ParentID != nil {
				parentCandidate = org.ParentID.String()
			}
			ok, err := matchesValue(parentCandidate, opts.ParentFilters)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}

		matched = append(matched, org)
	}

	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = store.SortByCreated
	}
	desc := opts.SortOrder == store.SortDescending

	sort.Slice(matched, func(i, j int) bool {
		less := organizationLess(matched[i], matched[j], sortBy)
		if desc {
			return !less && !organizationEqualKey(matched[i], matched[j], sortBy)
		}
		return less
	})

	start := 0
	if opts.After != uuid.Nil {
		for i, org := range matched {
			if org.OrgID == opts.After {
				start = i + 1
				break
			}
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	result := make([]*models.BasicOrganization, 0)
	for _, org := range matched[min(start, len(matched)):] {
		if len(result) == limit {
			break
		}
		basic := &models.BasicOrganization{
			OrgID:     org.OrgID,
			Name:      org.Name,
			Status:    org.Status,
			Handle:    org.Handle,
			ParentID:  cloneParentID(org.ParentID),
			Depth:     s.depthLocked(org.OrgID),
			CreatedAt: org.CreatedAt,
		}
		if opts.IncludeAttributes {
			basic.Attributes = slices.Clone(org.Attributes)
		}
		result = append(result, basic)
	}

	return result, nil
}

func organizationLess(a, b *models.Organization, sortBy store.SortField) bool {
	if sortBy == store.SortByName {
		if a.Name != b.Name {
			return a.Name < b.Name
		}
	} else if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrgID.String() < b.OrgID.String()
}

func organizationEqualKey(a, b *models.Organization, sortBy store.SortField) bool {
	if sortBy == store.SortByName {
		return a.Name == b.Name && a.OrgID == b.OrgID
	}
	return a.CreatedAt.Equal(b.CreatedAt) && a.OrgID == b.OrgID
}

func (s *OrganizationStore) ChildGraph(_ context.Context, orgID uuid.UUID, recursive bool) ([]*models.OrganizationNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.childGraphLocked(orgID, recursive), nil
}

func (s *OrganizationStore) childGraphLocked(orgID uuid.UUID, recursive bool) []*models.OrganizationNode {
	nodes := make([]*models.OrganizationNode, 0)
	for _, childID := range s.childIDsLocked(orgID) {
		child := s.orgs[childID]
		node := &models.OrganizationNode{
			OrgID:     child.OrgID,
			Name:      child.Name,
			Handle:    child.Handle,
			ParentID:  cloneParentID(child.ParentID),
			CreatedAt: child.CreatedAt,
			Children:  []*models.OrganizationNode{},
		}
		if recursive {
			node.Children = s.childGraphLocked(childID, true)
		}
		nodes = append(nodes, node)
	}
	return nodes
}

func (s *OrganizationStore) HasChildren(_ context.Context, orgID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.childIDsLocked(orgID)) > 0, nil
}

func (s *OrganizationStore) HasActiveChildren(_ context.Context, orgID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, childID := range s.childIDsLocked(orgID) {
		if s.orgs[childID].Status == models.StatusActive {
			return true, nil
		}
	}
	return false, nil
}

func (s *OrganizationStore) IsParentDisabled(_ context.Context, orgID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.orgs[orgID]
	if !ok || org.ParentID == nil {
		return false, nil
	}
	parent, ok := s.orgs[*org.ParentID]
	if !ok {
		return false, nil
	}
	return parent.Status == models.StatusDisabled, nil
}

func (s *OrganizationStore) IsDescendantOf(_ context.Context, orgID, ancestorID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.ancestorIDsLocked(orgID) {
		if id == ancestorID && id != orgID {
			return true, nil
		}
	}
	return false, nil
}

func (s *OrganizationStore) IsImmediateChildOf(_ context.Context, orgID, parentID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.orgs[orgID]
	if !ok || org.ParentID == nil {
		return false, nil
	}
	return *org.ParentID == parentID, nil
}

func (s *OrganizationStore) AncestorIDs(_ context.Context, orgID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ancestorIDsLocked(orgID), nil
}

// ancestorIDsLocked returns orgID and its ancestors up to the root, closest
// first. Unknown ids yield an empty chain.
func (s *OrganizationStore) ancestorIDsLocked(orgID uuid.UUID) []uuid.UUID {
	ids := make([]uuid.UUID, 0)
	current, ok := s.orgs[orgID]
	if !ok {
		return ids
	}
	ids = append(ids, orgID)
	for current.ParentID != nil {
		parent, ok := s.orgs[*current.ParentID]
		if !ok {
			break
		}
		ids = append(ids, parent.OrgID)
		current = parent
	}
	return ids
}

func (s *OrganizationStore) Ancestors(_ context.Context, orgID uuid.UUID) ([]models.AncestorOrganization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.ancestorIDsLocked(orgID)
	ancestors := make([]models.AncestorOrganization, 0, len(ids))
	for i, id := range ids {
		ancestors = append(ancestors, models.AncestorOrganization{
			OrgID: id,
			Name:  s.orgs[id].Name,
			Depth: len(ids) - 1 - i,
		})
	}
	return ancestors, nil
}

func (s *OrganizationStore) Depth(_ context.Context, orgID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.orgs[orgID]; !ok {
		return 0, store.ErrOrganizationNotFound
	}
	return s.depthLocked(orgID), nil
}

func (s *OrganizationStore) depthLocked(orgID uuid.UUID) int {
	return len(s.ancestorIDsLocked(orgID)) - 1
}

func (s *OrganizationStore) RelativeDepth(_ context.Context, a, b uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.orgs[a]; !ok {
		return 0, store.ErrOrganizationNotFound
	}
	if _, ok := s.orgs[b]; !ok {
		return 0, store.ErrOrganizationNotFound
	}

	for i, id := range s.ancestorIDsLocked(a) {
		if id == b {
			return i, nil
		}
	}
	for i, id := range s.ancestorIDsLocked(b) {
		if id == a {
			return i, nil
		}
	}
	return 0, store.ErrNotInSameBranch
}

func (s *OrganizationStore) AncestorAtDepth(_ context.Context, orgID uuid.UUID, depth int) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if depth < 0 {
		return uuid.Nil, store.ErrDepthOutOfRange
	}
	if _, ok := s.orgs[orgID]; !ok {
		return uuid.Nil, store.ErrOrganizationNotFound
	}

	ids := s.ancestorIDsLocked(orgID)
	own := len(ids) - 1
	if depth > own {
		return uuid.Nil, store.ErrDepthOutOfRange
	}
	return ids[own-depth], nil
}

func (s *OrganizationStore) Update(_ context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.orgs[org.OrgID]
	if !ok {
		return store.ErrOrganizationNotFound
	}

	for id, other := range s.orgs {
		if id != org.OrgID && other.Name == org.Name && sameParent(other.ParentID, stored.ParentID) {
			return store.ErrOrganizationAlreadyExists
		}
	}

	stored.Name = org.Name
	stored.Description = org.Description
	stored.Version = org.Version
	stored.Status = org.Status
	stored.Attributes = slices.Clone(org.Attributes)
	stored.Permissions = slices.Clone(org.Permissions)
	stored.LastModified = time.Now()
	org.LastModified = stored.LastModified
	return nil
}

func (s *OrganizationStore) Patch(_ context.Context, orgID uuid.UUID, lastModified time.Time, ops []store.PatchOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.orgs[orgID]
	if !ok {
		return store.ErrOrganizationNotFound
	}
	if !stored.LastModified.Equal(lastModified) {
		return store.ErrConcurrentModification
	}

	// Apply against a copy first so a bad op midway leaves the record
	// untouched.
	patched := cloneOrganization(stored)
	for _, op := range ops {
		if err := applyPatchOp(patched, op); err != nil {
			return err
		}
	}
	patched.LastModified = time.Now()
	s.orgs[orgID] = patched
	return nil
}

func applyPatchOp(org *models.Organization, op store.PatchOperation) error {
	if key, ok := strings.CutPrefix(op.Path, "attributes/"); ok {
		return applyAttributePatch(org, key, op)
	}

	switch op.Op {
	case store.PatchAdd, store.PatchReplace:
		switch op.Path {
		case "name":
			org.Name = op.Value
		case "description":
			org.Description = op.Value
		case "status":
			status, err := models.ParseStatus(op.Value)
			if err != nil {
				return fmt.Errorf("%w: %v", store.ErrInvalidPatchOperation, err)
			}
			org.Status = status
		default:
			return fmt.Errorf("%w: unknown path %q", store.ErrInvalidPatchOperation, op.Path)
		}
		return nil
	case store.PatchRemove:
		if op.Path != "description" {
			return fmt.Errorf("%w: cannot remove %q", store.ErrInvalidPatchOperation, op.Path)
		}
		org.Description = ""
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", store.ErrInvalidPatchOperation, op.Op)
	}
}

func applyAttributePatch(org *models.Organization, key string, op store.PatchOperation) error {
	if key == "" {
		return fmt.Errorf("%w: empty attribute key", store.ErrInvalidPatchOperation)
	}

	idx := slices.IndexFunc(org.Attributes, func(a models.Attribute) bool { return a.Key == key })

	switch op.Op {
	case store.PatchAdd, store.PatchReplace:
		if idx >= 0 {
			org.Attributes[idx].Value = op.Value
		} else {
			org.Attributes = append(org.Attributes, models.Attribute{Key: key, Value: op.Value})
		}
		return nil
	case store.PatchRemove:
		if idx >= 0 {
			org.Attributes = slices.Delete(org.Attributes, idx, idx+1)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", store.ErrInvalidPatchOperation, op.Op)
	}
}

func (s *OrganizationStore) Delete(_ context.Context, orgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orgs[orgID]; !ok {
		return store.ErrOrganizationNotFound
	}
	if len(s.childIDsLocked(orgID)) > 0 {
		return store.ErrChildOrganizationsExist
	}

	delete(s.orgs, orgID)
	delete(s.tenants, orgID)
	if s.hasRoot && s.rootID == orgID {
		s.hasRoot = false
	}
	return nil
}

func (s *OrganizationStore) Exists(_ context.Context, orgID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.orgs[orgID]
	return ok, nil
}

func (s *OrganizationStore) SiblingExistsWithName(_ context.Context, parentID uuid.UUID, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, org := range s.orgs {
		if org.ParentID != nil && *org.ParentID == parentID && org.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *OrganizationStore) DescendantExistsWithName(_ context.Context, rootID uuid.UUID, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, org := range s.orgs {
		if org.OrgID == rootID || org.Name != name {
			continue
		}
		for _, id := range s.ancestorIDsLocked(org.OrgID)[1:] {
			if id == rootID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *OrganizationStore) ListMetaAttributeKeys(_ context.Context, opts store.MetaAttributesOptions) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, org := range s.orgs {
		if !s.inScopeLocked(org, opts.ParentID, opts.Recursive) {
			continue
		}
		ok, err := matchesAll(org, opts.Filters)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, attr := range org.Attributes {
			seen[attr.Key] = true
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *OrganizationStore) ResolveTenantDomain(_ context.Context, orgID uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.ancestorIDsLocked(orgID) {
		if domain, ok := s.tenants[id]; ok {
			return domain, nil
		}
	}
	return "", store.ErrTenantNotFound
}

// inScopeLocked reports whether org sits under parentID, immediately or
// anywhere in the subtree.
func (s *OrganizationStore) inScopeLocked(org *models.Organization, parentID uuid.UUID, recursive bool) bool {
	if org.ParentID == nil {
		return false
	}
	if *org.ParentID == parentID {
		return true
	}
	if !recursive {
		return false
	}
	for _, id := range s.ancestorIDsLocked(org.OrgID)[1:] {
		if id == parentID {
			return true
		}
	}
	return false
}

func (s *OrganizationStore) childIDsLocked(orgID uuid.UUID) []uuid.UUID {
	ids := make([]uuid.UUID, 0)
	for _, org := range s.orgs {
		if org.ParentID != nil && *org.ParentID == orgID {
			ids = append(ids, org.OrgID)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.orgs[ids[i]], s.orgs[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.OrgID.String() < b.OrgID.String()
	})
	return ids
}

// matchesAll evaluates every expression against the organization, mirroring
// the SQL compilation semantics of the filter package.
func matchesAll(org *models.Organization, exprs []filter.Expression) (bool, error) {
	for _, expr := range exprs {
		if expr.Attribute == "" {
			return false, fmt.Errorf("%w: empty attribute name", filter.ErrInvalidExpression)
		}

		candidate, timestamp, isPrimary := primaryCandidate(org, expr.Attribute)
		if isPrimary {
			if timestamp {
				if expr.Operator != filter.OpEquals {
					return false, fmt.Errorf("%w: %q on timestamp attribute %q", filter.ErrUnsupportedOperator, expr.Operator, expr.Attribute)
				}
				want, err := time.Parse(time.RFC3339, expr.Value)
				if err != nil {
					return false, fmt.Errorf("%w: bad timestamp %q", filter.ErrInvalidExpression, expr.Value)
				}
				got, err := time.Parse(time.RFC3339Nano, candidate)
				if err != nil || !got.Equal(want) {
					return false, nil
				}
				continue
			}
			ok, err := filter.Match(expr.Operator, expr.Value, candidate)
			if err != nil || !ok {
				return false, err
			}
			continue
		}

		matched := false
		for _, attr := range org.Attributes {
			if attr.Key != expr.Attribute {
				continue
			}
			ok, err := filter.Match(expr.Operator, expr.Value, attr.Value)
			if err != nil {
				return false, err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func matchesValue(candidate string, exprs []filter.Expression) (bool, error) {
	for _, expr := range exprs {
		ok, err := filter.Match(expr.Operator, expr.Value, candidate)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func primaryCandidate(org *models.Organization, attribute string) (candidate string, timestamp, isPrimary bool) {
	switch attribute {
	case "id":
		return org.OrgID.String(), false, true
	case "name":
		return org.Name, false, true
	case "description":
		return org.Description, false, true
	case "status":
		return string(org.Status), false, true
	case "type":
		return string(org.Type), false, true
	case "handle":
		return org.Handle, false, true
	case "parentId":
		if org.ParentID == nil {
			return "", false, true
		}
		return org.ParentID.String(), false, true
	case "created":
		return org.CreatedAt.Format(time.RFC3339Nano), true, true
	case "lastModified":
		return org.LastModified.Format(time.RFC3339Nano), true, true
	default:
		return "", false, false
	}
}

func cloneOrganization(org *models.Organization) *models.Organization {
	clone := *org
	clone.ParentID = cloneParentID(org.ParentID)
	clone.Attributes = slices.Clone(org.Attributes)
	clone.ChildIDs = slices.Clone(org.ChildIDs)
	clone.Permissions = slices.Clone(org.Permissions)
	return &clone
}

func cloneParentID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
