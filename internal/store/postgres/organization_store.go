package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/orgforest/orgforest/internal/filter"
	"github.com/orgforest/orgforest/internal/models"
	"github.com/orgforest/orgforest/internal/store"
	"github.com/orgforest/orgforest/internal/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OrganizationStore implements store.OrganizationStore using PostgreSQL.
// Hierarchy queries run against the ancestor-closure table
// (organization_hierarchy), so ancestry and depth lookups never recurse.
type OrganizationStore struct {
	pool *pgxpool.Pool
	cfg  *StoreConfig
}

var _ store.OrganizationStore = (*OrganizationStore)(nil)

// NewOrganizationStore creates a new PostgreSQL-backed organization store.
// It shares the connection pool with other stores and optionally runs
// embedded schema migrations.
func NewOrganizationStore(ctx context.Context, pool *pgxpool.Pool, cfg *StoreConfig) (*OrganizationStore, error) {
	if cfg == nil {
		cfg = &StoreConfig{}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.AutoMigrate {
		if err := RunMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return &OrganizationStore{pool: pool, cfg: cfg}, nil
}

// observe records the elapsed time of a store operation. Deferred with
// time.Now() as the start argument so the clock is read on entry.
func (s *OrganizationStore) observe(ctx context.Context, operation string, start time.Time) {
	telemetry.GetMetrics().StoreOperationDuration.Record(ctx,
		float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", operation)))
}

// CreateRoot persists the single distinguished root organization.
func (s *OrganizationStore) CreateRoot(ctx context.Context, org *models.Organization) error {
	if org.ParentID != nil {
		return fmt.Errorf("root organization must not have a parent")
	}

	var rootExists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM organizations WHERE parent_id IS NULL)`).Scan(&rootExists)
	if err != nil {
		return fmt.Errorf("failed to check for existing root: %w", mapPostgresError(err))
	}
	if rootExists {
		return store.ErrRootAlreadyExists
	}

	return s.createWithRetry(ctx, org)
}

// Create persists a non-root organization, its attributes, permissions and
// ancestor-closure rows in a single transaction.
func (s *OrganizationStore) Create(ctx context.Context, org *models.Organization) error {
	if org.ParentID == nil {
		return fmt.Errorf("organization %s has no parent; use CreateRoot for the root", org.OrgID)
	}
	return s.createWithRetry(ctx, org)
}

// createWithRetry retries the create transaction on serialization failures
// and deadlocks, up to the configured bound.
func (s *OrganizationStore) createWithRetry(ctx context.Context, org *models.Organization) error {
	defer s.observe(ctx, "create", time.Now())

	op := func() (struct{}, error) {
		if err := s.createTx(ctx, org); err != nil {
			if isRetryable(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s.cfg.MaxRetries),
	)
	if err != nil {
		return fmt.Errorf("failed to create organization %s: %w", org.OrgID, mapPostgresError(err))
	}

	telemetry.GetMetrics().OrganizationsCreatedTotal.Add(ctx, 1)

	log.Debug().
		Str("org_id", org.OrgID.String()).
		Str("name", org.Name).
		Msg("Created organization")

	return nil
}

func (s *OrganizationStore) createTx(ctx context.Context, org *models.Organization) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO organizations (
			org_id, name, description, version, org_type, status, org_handle,
			creator_id, creator_name, parent_id, created_at, last_modified
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`,
		org.OrgID,
		org.Name,
		org.Description,
		org.Version,
		org.Type,
		org.Status,
		org.Handle,
		org.CreatorID,
		org.CreatorName,
		org.ParentID,
		org.CreatedAt,
		org.LastModified,
	)
	if err != nil {
		return err
	}

	// Closure rows: the self pair plus one row per ancestor of the parent.
	// This keeps every ancestor reachable in a single indexed lookup.
	if _, err := tx.Exec(ctx, `
		INSERT INTO organization_hierarchy (ancestor_id, descendant_id, depth)
		VALUES ($1, $1, 0)
	`, org.OrgID); err != nil {
		return err
	}
	if org.ParentID != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO organization_hierarchy (ancestor_id, descendant_id, depth)
			SELECT ancestor_id, $1, depth + 1
			FROM organization_hierarchy
			WHERE descendant_id = $2
		`, org.OrgID, *org.ParentID); err != nil {
			return err
		}
	}

	if err := insertAttributes(ctx, tx, org.OrgID, org.Attributes); err != nil {
		return err
	}
	if err := insertPermissions(ctx, tx, org.OrgID, org.Permissions); err != nil {
		return err
	}

	if org.Type == models.TypeTenant {
		if _, err := tx.Exec(ctx, `
			INSERT INTO organization_tenants (org_id, tenant_domain) VALUES ($1, $2)
		`, org.OrgID, org.Handle); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func insertAttributes(ctx context.Context, tx pgx.Tx, orgID uuid.UUID, attrs []models.Attribute) error {
	for _, attr := range attrs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO organization_attributes (org_id, attr_key, attr_value) VALUES ($1, $2, $3)
		`, orgID, attr.Key, attr.Value); err != nil {
			return err
		}
	}
	return nil
}

func insertPermissions(ctx context.Context, tx pgx.Tx, orgID uuid.UUID, perms []string) error {
	for _, perm := range perms {
		if _, err := tx.Exec(ctx, `
			INSERT INTO organization_permissions (org_id, permission) VALUES ($1, $2)
		`, orgID, perm); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves the full organization detail.
func (s *OrganizationStore) Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	defer s.observe(ctx, "get", time.Now())

	var org models.Organization
	err := s.pool.QueryRow(ctx, `
		SELECT org_id, name, description, version, org_type, status, org_handle,
		       creator_id, creator_name, parent_id, created_at, last_modified
		FROM organizations
		WHERE org_id = $1
	`, orgID).Scan(
		&org.OrgID,
		&org.Name,
		&org.Description,
		&org.Version,
		&org.Type,
		&org.Status,
		&org.Handle,
		&org.CreatorID,
		&org.CreatorName,
		&org.ParentID,
		&org.CreatedAt,
		&org.LastModified,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to get organization %s: %w", orgID, mapPostgresError(err))
	}

	org.Attributes, err = s.loadAttributes(ctx, orgID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT org_id FROM organizations WHERE parent_id = $1 ORDER BY created_at, org_id
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", orgID, mapPostgresError(err))
	}
	defer rows.Close()
	for rows.Next() {
		var childID uuid.UUID
		if err := rows.Scan(&childID); err != nil {
			return nil, fmt.Errorf("failed to scan child id: %w", err)
		}
		org.ChildIDs = append(org.ChildIDs, childID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating children: %w", mapPostgresError(err))
	}

	permRows, err := s.pool.Query(ctx, `
		SELECT permission FROM organization_permissions WHERE org_id = $1 ORDER BY permission
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions of %s: %w", orgID, mapPostgresError(err))
	}
	defer permRows.Close()
	for permRows.Next() {
		var perm string
		if err := permRows.Scan(&perm); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		org.Permissions = append(org.Permissions, perm)
	}
	if err := permRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating permissions: %w", mapPostgresError(err))
	}

	return &org, nil
}

func (s *OrganizationStore) loadAttributes(ctx context.Context, orgID uuid.UUID) ([]models.Attribute, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT attr_key, attr_value FROM organization_attributes WHERE org_id = $1 ORDER BY attr_key
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attributes of %s: %w", orgID, mapPostgresError(err))
	}
	defer rows.Close()

	var attrs []models.Attribute
	for rows.Next() {
		var attr models.Attribute
		if err := rows.Scan(&attr.Key, &attr.Value); err != nil {
			return nil, fmt.Errorf("failed to scan attribute: %w", err)
		}
		attrs = append(attrs, attr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attributes: %w", mapPostgresError(err))
	}
	return attrs, nil
}

// GetMinimal retrieves the cache-safe minimal projection.
func (s *OrganizationStore) GetMinimal(ctx context.Context, orgID uuid.UUID) (models.MinimalOrganization, error) {
	defer s.observe(ctx, "get_minimal", time.Now())

	var (
		id        uuid.UUID
		name      string
		status    models.OrgStatus
		handle    string
		parentID  *uuid.UUID
		createdAt time.Time
		depth     int
	)
	err := s.pool.QueryRow(ctx, `
		SELECT o.org_id, o.name, o.status, o.org_handle, o.parent_id, o.created_at,
		       (SELECT MAX(depth) FROM organization_hierarchy h WHERE h.descendant_id = o.org_id)
		FROM organizations o
		WHERE o.org_id = $1
	`, orgID).Scan(&id, &name, &status, &handle, &parentID, &createdAt, &depth)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MinimalOrganization{}, store.ErrOrganizationNotFound
		}
		return models.MinimalOrganization{}, fmt.Errorf("failed to get minimal organization %s: %w", orgID, mapPostgresError(err))
	}

	return models.NewMinimalOrganization().
		OrgID(id).
		Name(name).
		Status(status).
		Handle(handle).
		ParentID(parentID).
		CreatedAt(createdAt).
		Depth(depth).
		Build(), nil
}

// List returns one page of basic projections under opts.ParentID.
func (s *OrganizationStore) List(ctx context.Context, opts store.ListOptions) ([]*models.BasicOrganization, error) {
	defer s.observe(ctx, "list", time.Now())

	sortBy, sortOrder := s.sortDefaults(opts)
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultPageSize
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT o.org_id, o.name, o.status, o.org_handle, o.parent_id, o.created_at,
		       (SELECT MAX(depth) FROM organization_hierarchy hd WHERE hd.descendant_id = o.org_id)
		FROM organizations o
		JOIN organization_hierarchy h ON h.descendant_id = o.org_id AND h.ancestor_id = $1
	`)
	args := []any{opts.ParentID}

	if opts.Recursive {
		sb.WriteString(" WHERE h.depth >= 1")
	} else {
		sb.WriteString(" WHERE h.depth = 1")
	}

	b := filter.NewBuilder(len(args) + 1)
	clause, err := b.Compile(opts.Filters)
	if err != nil {
		return nil, err
	}
	if clause.SQL != "" {
		sb.WriteString(" AND ")
		sb.WriteString(clause.SQL)
		args = append(args, clause.Args...)
	}

	parentClause, err := filter.NewBuilder(len(args) + 1).Compile(asParentFilters(opts.ParentFilters))
	if err != nil {
		return nil, err
	}
	if parentClause.SQL != "" {
		sb.WriteString(" AND ")
		sb.WriteString(parentClause.SQL)
		args = append(args, parentClause.Args...)
	}

	sortColumn := "o.created_at"
	if sortBy == store.SortByName {
		sortColumn = "o.name"
	}
	cmp := ">"
	dir := "ASC"
	if sortOrder == store.SortDescending {
		cmp = "<"
		dir = "DESC"
	}

	if opts.After != uuid.Nil {
		cursorArg := len(args) + 1
		fmt.Fprintf(&sb,
			" AND (%[1]s, o.org_id) %[2]s ((SELECT %[3]s FROM organizations WHERE org_id = $%[4]d), $%[4]d)",
			sortColumn, cmp, strings.TrimPrefix(sortColumn, "o."), cursorArg,
		)
		args = append(args, opts.After)
	}

	fmt.Fprintf(&sb, " ORDER BY %s %s, o.org_id %s LIMIT %d", sortColumn, dir, dir, limit)

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations under %s: %w", opts.ParentID, mapPostgresError(err))
	}
	defer rows.Close()

	result := make([]*models.BasicOrganization, 0)
	for rows.Next() {
		var org models.BasicOrganization
		if err := rows.Scan(
			&org.OrgID,
			&org.Name,
			&org.Status,
			&org.Handle,
			&org.ParentID,
			&org.CreatedAt,
			&org.Depth,
		); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		result = append(result, &org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating organizations: %w", mapPostgresError(err))
	}

	if opts.IncludeAttributes && len(result) > 0 {
		if err := s.attachAttributes(ctx, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// asParentFilters forces the expressions onto the parent id column. The
// caller supplies operator and value; the attribute is fixed by contract.
func asParentFilters(exprs []filter.Expression) []filter.Expression {
	out := make([]filter.Expression, 0, len(exprs))
	for _, expr := range exprs {
		expr.Attribute = "parentId"
		out = append(out, expr)
	}
	return out
}

func (s *OrganizationStore) attachAttributes(ctx context.Context, orgs []*models.BasicOrganization) error {
	ids := make([]uuid.UUID, 0, len(orgs))
	index := make(map[uuid.UUID]*models.BasicOrganization, len(orgs))
	for _, org := range orgs {
		ids = append(ids, org.OrgID)
		index[org.OrgID] = org
	}

	rows, err := s.pool.Query(ctx, `
		SELECT org_id, attr_key, attr_value
		FROM organization_attributes
		WHERE org_id = ANY($1)
		ORDER BY org_id, attr_key
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to load listing attributes: %w", mapPostgresError(err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orgID uuid.UUID
			attr  models.Attribute
		)
		if err := rows.Scan(&orgID, &attr.Key, &attr.Value); err != nil {
			return fmt.Errorf("failed to scan listing attribute: %w", err)
		}
		if org, ok := index[orgID]; ok {
			org.Attributes = append(org.Attributes, attr)
		}
	}
	return rows.Err()
}

func (s *OrganizationStore) sortDefaults(opts store.ListOptions) (store.SortField, store.SortOrder) {
	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = s.cfg.DefaultSortBy
	}
	sortOrder := opts.SortOrder
	if sortOrder == "" {
		sortOrder = s.cfg.DefaultSortOrder
	}
	return sortBy, sortOrder
}

// ChildGraph materializes the forest rooted at the immediate children of
// orgID. Recursive mode reads the whole descendant set in one query and links
// parent->children edges in a second in-memory pass.
func (s *OrganizationStore) ChildGraph(ctx context.Context, orgID uuid.UUID, recursive bool) ([]*models.OrganizationNode, error) {
	defer s.observe(ctx, "child_graph", time.Now())

	depthCond := "h.depth = 1"
	if recursive {
		depthCond = "h.depth >= 1"
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT o.org_id, o.name, o.org_handle, o.parent_id, o.created_at, h.depth
		FROM organizations o
		JOIN organization_hierarchy h ON h.descendant_id = o.org_id
		WHERE h.ancestor_id = $1 AND %s
		ORDER BY h.depth, o.created_at, o.org_id
	`, depthCond), orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load child graph of %s: %w", orgID, mapPostgresError(err))
	}
	defer rows.Close()

	nodes := make(map[uuid.UUID]*models.OrganizationNode)
	roots := make([]*models.OrganizationNode, 0)
	var order []*models.OrganizationNode

	for rows.Next() {
		node := &models.OrganizationNode{Children: []*models.OrganizationNode{}}
		var depth int
		if err := rows.Scan(&node.OrgID, &node.Name, &node.Handle, &node.ParentID, &node.CreatedAt, &depth); err != nil {
			return nil, fmt.Errorf("failed to scan graph node: %w", err)
		}
		nodes[node.OrgID] = node
		order = append(order, node)
		if depth == 1 {
			roots = append(roots, node)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating graph nodes: %w", mapPostgresError(err))
	}

	// Second pass: link every non-root node under its parent. Parents always
	// precede children because rows are ordered by depth.
	for _, node := range order {
		if node.ParentID == nil {
			continue
		}
		if parent, ok := nodes[*node.ParentID]; ok {
			parent.Children = append(parent.Children, node)
		}
	}

	return roots, nil
}

func (s *OrganizationStore) HasChildren(ctx context.Context, orgID uuid.UUID) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM organizations WHERE parent_id = $1)`, orgID)
}

func (s *OrganizationStore) HasActiveChildren(ctx context.Context, orgID uuid.UUID) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM organizations WHERE parent_id = $1 AND status = 'ACTIVE')`, orgID)
}

// IsParentDisabled reports whether the immediate parent is disabled. The root
// has no parent and reports false.
func (s *OrganizationStore) IsParentDisabled(ctx context.Context, orgID uuid.UUID) (bool, error) {
	var disabled bool
	err := s.pool.QueryRow(ctx, `
		SELECT p.status = 'DISABLED'
		FROM organizations o
		JOIN organizations p ON p.org_id = o.parent_id
		WHERE o.org_id = $1
	`, orgID).Scan(&disabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check parent status of %s: %w", orgID, mapPostgresError(err))
	}
	return disabled, nil
}

func (s *OrganizationStore) IsDescendantOf(ctx context.Context, orgID, ancestorID uuid.UUID) (bool, error) {
	return s.exists(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM organization_hierarchy
			WHERE ancestor_id = $1 AND descendant_id = $2 AND depth >= 1
		)
	`, ancestorID, orgID)
}

func (s *OrganizationStore) IsImmediateChildOf(ctx context.Context, orgID, parentID uuid.UUID) (bool, error) {
	return s.exists(ctx, `
		SELECT EXISTS(SELECT 1 FROM organizations WHERE org_id = $1 AND parent_id = $2)
	`, orgID, parentID)
}

func (s *OrganizationStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var found bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&found); err != nil {
		return false, fmt.Errorf("failed existence check: %w", mapPostgresError(err))
	}
	return found, nil
}

// AncestorIDs returns ids from orgID up to and including the root, closest
// first. The chain starts with orgID itself.
func (s *OrganizationStore) AncestorIDs(ctx context.Context, orgID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ancestor_id FROM organization_hierarchy
		WHERE descendant_id = $1
		ORDER BY depth ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ancestors of %s: %w", orgID, mapPostgresError(err))
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ancestor id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ancestors returns the ancestor chain with names and absolute depths.
func (s *OrganizationStore) Ancestors(ctx context.Context, orgID uuid.UUID) ([]models.AncestorOrganization, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT h.ancestor_id, o.name
		FROM organization_hierarchy h
		JOIN organizations o ON o.org_id = h.ancestor_id
		WHERE h.descendant_id = $1
		ORDER BY h.depth ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ancestors of %s: %w", orgID, mapPostgresError(err))
	}
	defer rows.Close()

	ancestors := make([]models.AncestorOrganization, 0)
	for rows.Next() {
		var a models.AncestorOrganization
		if err := rows.Scan(&a.OrgID, &a.Name); err != nil {
			return nil, fmt.Errorf("failed to scan ancestor: %w", err)
		}
		ancestors = append(ancestors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ancestors: %w", mapPostgresError(err))
	}

	// The chain ends at the root (absolute depth 0), so absolute depths run
	// from len-1 down to 0.
	for i := range ancestors {
		ancestors[i].Depth = len(ancestors) - 1 - i
	}
	return ancestors, nil
}

// Depth returns the absolute depth of orgID; the root has depth 0.
func (s *OrganizationStore) Depth(ctx context.Context, orgID uuid.UUID) (int, error) {
	var depth *int
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(depth) FROM organization_hierarchy WHERE descendant_id = $1
	`, orgID).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to compute depth of %s: %w", orgID, mapPostgresError(err))
	}
	if depth == nil {
		return 0, store.ErrOrganizationNotFound
	}
	return *depth, nil
}

// RelativeDepth returns the distance between two organizations on the same
// ancestor chain, in either direction.
func (s *OrganizationStore) RelativeDepth(ctx context.Context, a, b uuid.UUID) (int, error) {
	var depth int
	err := s.pool.QueryRow(ctx, `
		SELECT depth FROM organization_hierarchy
		WHERE (ancestor_id = $1 AND descendant_id = $2)
		   OR (ancestor_id = $2 AND descendant_id = $1)
		ORDER BY depth DESC
		LIMIT 1
	`, a, b).Scan(&depth)
	if err == nil {
		return depth, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to compute relative depth of %s and %s: %w", a, b, mapPostgresError(err))
	}

	for _, id := range []uuid.UUID{a, b} {
		found, err := s.Exists(ctx, id)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, store.ErrOrganizationNotFound
		}
	}
	return 0, store.ErrNotInSameBranch
}

// AncestorAtDepth returns the ancestor of orgID at the given absolute depth.
func (s *OrganizationStore) AncestorAtDepth(ctx context.Context, orgID uuid.UUID, depth int) (uuid.UUID, error) {
	if depth < 0 {
		return uuid.Nil, store.ErrDepthOutOfRange
	}
	own, err := s.Depth(ctx, orgID)
	if err != nil {
		return uuid.Nil, err
	}
	if depth > own {
		return uuid.Nil, store.ErrDepthOutOfRange
	}

	var ancestorID uuid.UUID
	err = s.pool.QueryRow(ctx, `
		SELECT ancestor_id FROM organization_hierarchy
		WHERE descendant_id = $1 AND depth = $2
	`, orgID, own-depth).Scan(&ancestorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, store.ErrOrganizationNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to resolve ancestor of %s at depth %d: %w", orgID, depth, mapPostgresError(err))
	}
	return ancestorID, nil
}

// Update replaces the mutable fields, attributes and permissions of an
// organization in one transaction.
func (s *OrganizationStore) Update(ctx context.Context, org *models.Organization) error {
	defer s.observe(ctx, "update", time.Now())

	org.LastModified = time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin update of %s: %w", org.OrgID, mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	result, err := tx.Exec(ctx, `
		UPDATE organizations SET
			name = $2,
			description = $3,
			version = $4,
			status = $5,
			last_modified = $6
		WHERE org_id = $1
	`,
		org.OrgID,
		org.Name,
		org.Description,
		org.Version,
		org.Status,
		org.LastModified,
	)
	if err != nil {
		return fmt.Errorf("failed to update organization %s: %w", org.OrgID, mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrOrganizationNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM organization_attributes WHERE org_id = $1`, org.OrgID); err != nil {
		return fmt.Errorf("failed to replace attributes of %s: %w", org.OrgID, mapPostgresError(err))
	}
	if err := insertAttributes(ctx, tx, org.OrgID, org.Attributes); err != nil {
		return fmt.Errorf("failed to replace attributes of %s: %w", org.OrgID, mapPostgresError(err))
	}

	if _, err := tx.Exec(ctx, `DELETE FROM organization_permissions WHERE org_id = $1`, org.OrgID); err != nil {
		return fmt.Errorf("failed to replace permissions of %s: %w", org.OrgID, mapPostgresError(err))
	}
	if err := insertPermissions(ctx, tx, org.OrgID, org.Permissions); err != nil {
		return fmt.Errorf("failed to replace permissions of %s: %w", org.OrgID, mapPostgresError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit update of %s: %w", org.OrgID, mapPostgresError(err))
	}

	log.Debug().
		Str("org_id", org.OrgID.String()).
		Msg("Updated organization")

	return nil
}

// Patch applies field-level operations under optimistic concurrency.
func (s *OrganizationStore) Patch(ctx context.Context, orgID uuid.UUID, lastModified time.Time, ops []store.PatchOperation) error {
	defer s.observe(ctx, "patch", time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin patch of %s: %w", orgID, mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	var stored time.Time
	err = tx.QueryRow(ctx, `
		SELECT last_modified FROM organizations WHERE org_id = $1 FOR UPDATE
	`, orgID).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrOrganizationNotFound
		}
		return fmt.Errorf("failed to lock organization %s: %w", orgID, mapPostgresError(err))
	}
	if !stored.Equal(lastModified) {
		return store.ErrConcurrentModification
	}

	for _, op := range ops {
		if err := applyPatchOp(ctx, tx, orgID, op); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE organizations SET last_modified = $2 WHERE org_id = $1
	`, orgID, time.Now()); err != nil {
		return fmt.Errorf("failed to bump last modified of %s: %w", orgID, mapPostgresError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit patch of %s: %w", orgID, mapPostgresError(err))
	}

	log.Debug().
		Str("org_id", orgID.String()).
		Int("operations", len(ops)).
		Msg("Patched organization")

	return nil
}

func applyPatchOp(ctx context.Context, tx pgx.Tx, orgID uuid.UUID, op store.PatchOperation) error {
	if key, ok := strings.CutPrefix(op.Path, "attributes/"); ok {
		return applyAttributePatch(ctx, tx, orgID, key, op)
	}

	var column string
	switch op.Path {
	case "name":
		column = "name"
	case "description":
		column = "description"
	case "status":
		column = "status"
	default:
		return fmt.Errorf("%w: unknown path %q", store.ErrInvalidPatchOperation, op.Path)
	}

	switch op.Op {
	case store.PatchAdd, store.PatchReplace:
		if op.Path == "status" {
			if _, err := models.ParseStatus(op.Value); err != nil {
				return fmt.Errorf("%w: %v", store.ErrInvalidPatchOperation, err)
			}
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE organizations SET %s = $2 WHERE org_id = $1`, column), orgID, op.Value); err != nil {
			return fmt.Errorf("failed to patch %s of %s: %w", op.Path, orgID, mapPostgresError(err))
		}
		return nil
	case store.PatchRemove:
		if op.Path != "description" {
			return fmt.Errorf("%w: cannot remove %q", store.ErrInvalidPatchOperation, op.Path)
		}
		if _, err := tx.Exec(ctx, `UPDATE organizations SET description = '' WHERE org_id = $1`, orgID); err != nil {
			return fmt.Errorf("failed to clear description of %s: %w", orgID, mapPostgresError(err))
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", store.ErrInvalidPatchOperation, op.Op)
	}
}

func applyAttributePatch(ctx context.Context, tx pgx.Tx, orgID uuid.UUID, key string, op store.PatchOperation) error {
	if key == "" {
		return fmt.Errorf("%w: empty attribute key", store.ErrInvalidPatchOperation)
	}

	switch op.Op {
	case store.PatchAdd, store.PatchReplace:
		if _, err := tx.Exec(ctx, `
			INSERT INTO organization_attributes (org_id, attr_key, attr_value)
			VALUES ($1, $2, $3)
			ON CONFLICT (org_id, attr_key) DO UPDATE SET attr_value = EXCLUDED.attr_value
		`, orgID, key, op.Value); err != nil {
			return fmt.Errorf("failed to upsert attribute %q of %s: %w", key, orgID, mapPostgresError(err))
		}
		return nil
	case store.PatchRemove:
		if _, err := tx.Exec(ctx, `
			DELETE FROM organization_attributes WHERE org_id = $1 AND attr_key = $2
		`, orgID, key); err != nil {
			return fmt.Errorf("failed to remove attribute %q of %s: %w", key, orgID, mapPostgresError(err))
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", store.ErrInvalidPatchOperation, op.Op)
	}
}

// Delete removes a child-free organization. Closure rows, attributes,
// permissions and tenant associations go with it via FK cascade.
func (s *OrganizationStore) Delete(ctx context.Context, orgID uuid.UUID) error {
	defer s.observe(ctx, "delete", time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin delete of %s: %w", orgID, mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	var hasChildren bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM organizations WHERE parent_id = $1)
	`, orgID).Scan(&hasChildren); err != nil {
		return fmt.Errorf("failed to check children of %s: %w", orgID, mapPostgresError(err))
	}
	if hasChildren {
		return store.ErrChildOrganizationsExist
	}

	result, err := tx.Exec(ctx, `DELETE FROM organizations WHERE org_id = $1`, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete organization %s: %w", orgID, mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrOrganizationNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delete of %s: %w", orgID, mapPostgresError(err))
	}

	telemetry.GetMetrics().OrganizationsDeletedTotal.Add(ctx, 1)

	log.Info().
		Str("org_id", orgID.String()).
		Msg("Deleted organization")

	return nil
}

func (s *OrganizationStore) Exists(ctx context.Context, orgID uuid.UUID) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM organizations WHERE org_id = $1)`, orgID)
}

func (s *OrganizationStore) SiblingExistsWithName(ctx context.Context, parentID uuid.UUID, name string) (bool, error) {
	return s.exists(ctx, `
		SELECT EXISTS(SELECT 1 FROM organizations WHERE parent_id = $1 AND name = $2)
	`, parentID, name)
}

func (s *OrganizationStore) DescendantExistsWithName(ctx context.Context, rootID uuid.UUID, name string) (bool, error) {
	return s.exists(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM organizations o
			JOIN organization_hierarchy h ON h.descendant_id = o.org_id
			WHERE h.ancestor_id = $1 AND h.depth >= 1 AND o.name = $2
		)
	`, rootID, name)
}

// ListMetaAttributeKeys returns the distinct meta-attribute keys across the
// subtree under ParentID.
func (s *OrganizationStore) ListMetaAttributeKeys(ctx context.Context, opts store.MetaAttributesOptions) ([]string, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT DISTINCT a.attr_key
		FROM organization_attributes a
		JOIN organization_hierarchy h ON h.descendant_id = a.org_id AND h.ancestor_id = $1
		JOIN organizations o ON o.org_id = a.org_id
	`)
	args := []any{opts.ParentID}

	if opts.Recursive {
		sb.WriteString(" WHERE h.depth >= 1")
	} else {
		sb.WriteString(" WHERE h.depth = 1")
	}

	clause, err := filter.NewBuilder(len(args) + 1).Compile(opts.Filters)
	if err != nil {
		return nil, err
	}
	if clause.SQL != "" {
		sb.WriteString(" AND ")
		sb.WriteString(clause.SQL)
		args = append(args, clause.Args...)
	}

	sb.WriteString(" ORDER BY a.attr_key")

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list meta attribute keys under %s: %w", opts.ParentID, mapPostgresError(err))
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan attribute key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ResolveTenantDomain returns the tenant domain of the nearest
// self-or-ancestor tenant association.
func (s *OrganizationStore) ResolveTenantDomain(ctx context.Context, orgID uuid.UUID) (string, error) {
	defer s.observe(ctx, "resolve_tenant_domain", time.Now())

	var domain string
	err := s.pool.QueryRow(ctx, `
		SELECT t.tenant_domain
		FROM organization_hierarchy h
		JOIN organization_tenants t ON t.org_id = h.ancestor_id
		WHERE h.descendant_id = $1
		ORDER BY h.depth ASC
		LIMIT 1
	`, orgID).Scan(&domain)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrTenantNotFound
		}
		return "", fmt.Errorf("failed to resolve tenant domain of %s: %w", orgID, mapPostgresError(err))
	}
	return domain, nil
}
