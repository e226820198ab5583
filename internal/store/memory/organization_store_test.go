package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/orgforest/orgforest/internal/filter"
	"github.com/orgforest/orgforest/internal/models"
	"github.com/orgforest/orgforest/internal/store"
	"github.com/stretchr/testify/require"
)

var fixtureBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newOrg(name, handle string, parentID *uuid.UUID, typ models.OrgType, offset time.Duration) *models.Organization {
	created := fixtureBase.Add(offset)
	return &models.Organization{
		OrgID:        uuid.Must(uuid.NewV7()),
		Name:         name,
		Handle:       handle,
		Status:       models.StatusActive,
		Type:         typ,
		CreatorName:  "tester",
		ParentID:     parentID,
		CreatedAt:    created,
		LastModified: created,
	}
}

// buildTree creates the fixture hierarchy:
//
//	root
//	└── acme (tenant)
//	    └── engineering
//	        ├── platform
//	        │   └── runtime
//	        └── design
func buildTree(t *testing.T, st *OrganizationStore) map[string]*models.Organization {
	t.Helper()
	ctx := context.Background()

	root := newOrg("Super", "super", nil, models.TypeStructural, 0)
	require.NoError(t, st.CreateRoot(ctx, root))

	acme := newOrg("Acme", "acme", &root.OrgID, models.TypeTenant, time.Minute)
	acme.Attributes = []models.Attribute{{Key: "country", Value: "NZ"}}
	require.NoError(t, st.Create(ctx, acme))

	engineering := newOrg("Engineering", "acme-eng", &acme.OrgID, models.TypeStructural, 2*time.Minute)
	engineering.Attributes = []models.Attribute{{Key: "costCenter", Value: "CC-100"}}
	require.NoError(t, st.Create(ctx, engineering))

	platform := newOrg("Platform", "acme-platform", &engineering.OrgID, models.TypeStructural, 3*time.Minute)
	platform.Attributes = []models.Attribute{{Key: "costCenter", Value: "CC-200"}, {Key: "oncall", Value: "platform-team"}}
	require.NoError(t, st.Create(ctx, platform))

	runtime := newOrg("Runtime", "acme-runtime", &platform.OrgID, models.TypeStructural, 4*time.Minute)
	require.NoError(t, st.Create(ctx, runtime))

	design := newOrg("Design", "acme-design", &engineering.OrgID, models.TypeStructural, 5*time.Minute)
	require.NoError(t, st.Create(ctx, design))

	return map[string]*models.Organization{
		"root":        root,
		"acme":        acme,
		"engineering": engineering,
		"platform":    platform,
		"runtime":     runtime,
		"design":      design,
	}
}

func TestOrganizationStore_CreateRoot(t *testing.T) {
	ctx := context.Background()

	t.Run("creates the root", func(t *testing.T) {
		st := NewOrganizationStore()
		root := newOrg("Super", "super", nil, models.TypeStructural, 0)
		require.NoError(t, st.CreateRoot(ctx, root))

		got, err := st.Get(ctx, root.OrgID)
		require.NoError(t, err)
		require.Equal(t, "Super", got.Name)
		require.Nil(t, got.ParentID)
	})

	t.Run("second root is rejected", func(t *testing.T) {
		st := NewOrganizationStore()
		require.NoError(t, st.CreateRoot(ctx, newOrg("Super", "super", nil, models.TypeStructural, 0)))

		err := st.CreateRoot(ctx, newOrg("Another", "another", nil, models.TypeStructural, time.Minute))
		require.ErrorIs(t, err, store.ErrRootAlreadyExists)
	})

	t.Run("root with a parent is rejected", func(t *testing.T) {
		st := NewOrganizationStore()
		parentID := uuid.Must(uuid.NewV7())
		err := st.CreateRoot(ctx, newOrg("Super", "super", &parentID, models.TypeStructural, 0))
		require.Error(t, err)
	})
}

func TestOrganizationStore_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate sibling name is rejected", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		dup := newOrg("Engineering", "other-handle", &orgs["acme"].OrgID, models.TypeStructural, time.Hour)
		require.ErrorIs(t, st.Create(ctx, dup), store.ErrOrganizationAlreadyExists)
	})

	t.Run("same name under a different parent is allowed", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		ok := newOrg("Engineering", "plat-eng", &orgs["platform"].OrgID, models.TypeStructural, time.Hour)
		require.NoError(t, st.Create(ctx, ok))
	})

	t.Run("duplicate handle is rejected", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		dup := newOrg("Other", "acme", &orgs["engineering"].OrgID, models.TypeStructural, time.Hour)
		require.ErrorIs(t, st.Create(ctx, dup), store.ErrOrganizationAlreadyExists)
	})

	t.Run("missing parent is rejected", func(t *testing.T) {
		st := NewOrganizationStore()
		buildTree(t, st)

		missing := uuid.Must(uuid.NewV7())
		err := st.Create(ctx, newOrg("Orphan", "orphan", &missing, models.TypeStructural, time.Hour))
		require.ErrorIs(t, err, store.ErrOrganizationNotFound)
	})

	t.Run("without a parent is rejected", func(t *testing.T) {
		st := NewOrganizationStore()
		buildTree(t, st)
		require.Error(t, st.Create(ctx, newOrg("NoParent", "noparent", nil, models.TypeStructural, time.Hour)))
	})
}

func TestOrganizationStore_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("returns full detail with child ids", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		got, err := st.Get(ctx, orgs["engineering"].OrgID)
		require.NoError(t, err)
		require.Equal(t, "Engineering", got.Name)
		require.Equal(t, []models.Attribute{{Key: "costCenter", Value: "CC-100"}}, got.Attributes)
		require.Equal(t, []uuid.UUID{orgs["platform"].OrgID, orgs["design"].OrgID}, got.ChildIDs)
	})

	t.Run("nonexistent organization", func(t *testing.T) {
		st := NewOrganizationStore()
		buildTree(t, st)

		_, err := st.Get(ctx, uuid.Must(uuid.NewV7()))
		require.ErrorIs(t, err, store.ErrOrganizationNotFound)
	})

	t.Run("returns a copy", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		got, err := st.Get(ctx, orgs["platform"].OrgID)
		require.NoError(t, err)
		got.Name = "Mutated"
		got.Attributes[0].Value = "mutated"

		again, err := st.Get(ctx, orgs["platform"].OrgID)
		require.NoError(t, err)
		require.Equal(t, "Platform", again.Name)
		require.Equal(t, "CC-200", again.Attributes[0].Value)
	})
}

func TestOrganizationStore_GetMinimal(t *testing.T) {
	ctx := context.Background()
	st := NewOrganizationStore()
	orgs := buildTree(t, st)

	t.Run("carries depth and parent", func(t *testing.T) {
		m, err := st.GetMinimal(ctx, orgs["runtime"].OrgID)
		require.NoError(t, err)
		require.Equal(t, "Runtime", m.Name())
		require.Equal(t, 4, m.Depth())

		parentID, ok := m.ParentID()
		require.True(t, ok)
		require.Equal(t, orgs["platform"].OrgID, parentID)
	})

	t.Run("root has no parent and depth zero", func(t *testing.T) {
		m, err := st.GetMinimal(ctx, orgs["root"].OrgID)
		require.NoError(t, err)
		require.Equal(t, 0, m.Depth())
		_, ok := m.ParentID()
		require.False(t, ok)
	})

	t.Run("nonexistent organization", func(t *testing.T) {
		_, err := st.GetMinimal(ctx, uuid.Must(uuid.NewV7()))
		require.ErrorIs(t, err, store.ErrOrganizationNotFound)
	})
}

func TestOrganizationStore_List(t *testing.T) {
	ctx := context.Background()

	t.Run("immediate children only", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		result, err := st.List(ctx, store.ListOptions{ParentID: orgs["engineering"].OrgID})
		require.NoError(t, err)
		require.Len(t, result, 2)
		require.Equal(t, "Platform", result[0].Name)
		require.Equal(t, "Design", result[1].Name)
	})

	t.Run("recursive lists the whole subtree", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		result, err := st.List(ctx, store.ListOptions{ParentID: orgs["acme"].OrgID, Recursive: true})
		require.NoError(t, err)
		require.Len(t, result, 4)
	})

	t.Run("scoped organization itself is excluded", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		result, err := st.List(ctx, store.ListOptions{ParentID: orgs["acme"].OrgID, Recursive: true})
		require.NoError(t, err)
		for _, org := range result {
			require.NotEqual(t, orgs["acme"].OrgID, org.OrgID)
		}
	})

	t.Run("cursor pagination walks all pages without overlap", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		seen := make(map[uuid.UUID]bool)
		after := uuid.Nil
		for {
			page, err := st.List(ctx, store.ListOptions{
				ParentID:  orgs["acme"].OrgID,
				Recursive: true,
				Limit:     2,
				After:     after,
			})
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			for _, org := range page {
				require.False(t, seen[org.OrgID], "page overlap on %s", org.Name)
				seen[org.OrgID] = true
			}
			after = page[len(page)-1].OrgID
		}
		require.Len(t, seen, 4)
	})

	t.Run("sort by name descending", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		result, err := st.List(ctx, store.ListOptions{
			ParentID:  orgs["engineering"].OrgID,
			SortBy:    store.SortByName,
			SortOrder: store.SortDescending,
		})
		require.NoError(t, err)
		require.Len(t, result, 2)
		require.Equal(t, "Platform", result[0].Name)
		require.Equal(t, "Design", result[1].Name)
	})

	t.Run("primary filter", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		result, err := st.List(ctx, store.ListOptions{
			ParentID:  orgs["acme"].OrgID,
			Recursive: true,
			Filters: []filter.Expression{
				{Attribute: "name", Operator: filter.OpStartsWith, Value: "Plat"},
			},
		})
		require.NoError(t, err)
		require.Len(t, result, 1)
		require.Equal(t, "Platform", result[0].Name)
	})

	t.Run("meta attribute filter", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		result, err := st.List(ctx, store.ListOptions{
			ParentID:  orgs["acme"].OrgID,
			Recursive: true,
			Filters: []filter.Expression{
				{Attribute: "costCenter", Operator: filter.OpStartsWith, Value: "CC-"},
			},
		})
		require.NoError(t, err)
		require.Len(t, result, 2)
	})

	t.Run("parent filter", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		result, err := st.List(ctx, store.ListOptions{
			ParentID:  orgs["acme"].OrgID,
			Recursive: true,
			ParentFilters: []filter.Expression{
				{Attribute: "parentId", Operator: filter.OpEquals, Value: orgs["engineering"].OrgID.String()},
			},
		})
		require.NoError(t, err)
		require.Len(t, result, 2)
	})

	t.Run("attributes included only on request", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		plain, err := st.List(ctx, store.ListOptions{ParentID: orgs["engineering"].OrgID})
		require.NoError(t, err)
		require.Empty(t, plain[0].Attributes)

		hydrated, err := st.List(ctx, store.ListOptions{
			ParentID:          orgs["engineering"].OrgID,
			IncludeAttributes: true,
		})
		require.NoError(t, err)
		require.Equal(t, []models.Attribute{{Key: "costCenter", Value: "CC-200"}, {Key: "oncall", Value: "platform-team"}}, hydrated[0].Attributes)
	})

	t.Run("no matches returns empty slice", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		result, err := st.List(ctx, store.ListOptions{ParentID: orgs["runtime"].OrgID})
		require.NoError(t, err)
		require.NotNil(t, result)
		require.Empty(t, result)
	})

	t.Run("invalid filter operator", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		_, err := st.List(ctx, store.ListOptions{
			ParentID: orgs["acme"].OrgID,
			Filters:  []filter.Expression{{Attribute: "name", Operator: "gt", Value: "x"}},
		})
		require.ErrorIs(t, err, filter.ErrUnsupportedOperator)
	})
}

func TestOrganizationStore_ChildGraph(t *testing.T) {
	ctx := context.Background()
	st := NewOrganizationStore()
	orgs := buildTree(t, st)

	t.Run("recursive graph preserves structure", func(t *testing.T) {
		graph, err := st.ChildGraph(ctx, orgs["engineering"].OrgID, true)
		require.NoError(t, err)
		require.Len(t, graph, 2)

		require.Equal(t, "Platform", graph[0].Name)
		require.Len(t, graph[0].Children, 1)
		require.Equal(t, "Runtime", graph[0].Children[0].Name)
		require.Empty(t, graph[0].Children[0].Children)

		require.Equal(t, "Design", graph[1].Name)
		require.Empty(t, graph[1].Children)
	})

	t.Run("non-recursive graph has empty children", func(t *testing.T) {
		graph, err := st.ChildGraph(ctx, orgs["engineering"].OrgID, false)
		require.NoError(t, err)
		require.Len(t, graph, 2)
		require.NotNil(t, graph[0].Children)
		require.Empty(t, graph[0].Children)
	})

	t.Run("leaf yields empty slice", func(t *testing.T) {
		graph, err := st.ChildGraph(ctx, orgs["runtime"].OrgID, true)
		require.NoError(t, err)
		require.NotNil(t, graph)
		require.Empty(t, graph)
	})
}

func TestOrganizationStore_Predicates(t *testing.T) {
	ctx := context.Background()

	t.Run("has children", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		has, err := st.HasChildren(ctx, orgs["engineering"].OrgID)
		require.NoError(t, err)
		require.True(t, has)

		has, err = st.HasChildren(ctx, orgs["runtime"].OrgID)
		require.NoError(t, err)
		require.False(t, has)
	})

	t.Run("has active children tracks status", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		has, err := st.HasActiveChildren(ctx, orgs["platform"].OrgID)
		require.NoError(t, err)
		require.True(t, has)

		runtime, err := st.Get(ctx, orgs["runtime"].OrgID)
		require.NoError(t, err)
		runtime.Status = models.StatusDisabled
		require.NoError(t, st.Update(ctx, runtime))

		has, err = st.HasActiveChildren(ctx, orgs["platform"].OrgID)
		require.NoError(t, err)
		require.False(t, has)
	})

	t.Run("is parent disabled", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		disabled, err := st.IsParentDisabled(ctx, orgs["runtime"].OrgID)
		require.NoError(t, err)
		require.False(t, disabled)

		platform, err := st.Get(ctx, orgs["platform"].OrgID)
		require.NoError(t, err)
		platform.Status = models.StatusDisabled
		require.NoError(t, st.Update(ctx, platform))

		disabled, err = st.IsParentDisabled(ctx, orgs["runtime"].OrgID)
		require.NoError(t, err)
		require.True(t, disabled)
	})

	t.Run("descendant and immediate child checks", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		is, err := st.IsDescendantOf(ctx, orgs["runtime"].OrgID, orgs["acme"].OrgID)
		require.NoError(t, err)
		require.True(t, is)

		is, err = st.IsDescendantOf(ctx, orgs["acme"].OrgID, orgs["runtime"].OrgID)
		require.NoError(t, err)
		require.False(t, is)

		is, err = st.IsDescendantOf(ctx, orgs["acme"].OrgID, orgs["acme"].OrgID)
		require.NoError(t, err)
		require.False(t, is)

		is, err = st.IsImmediateChildOf(ctx, orgs["runtime"].OrgID, orgs["platform"].OrgID)
		require.NoError(t, err)
		require.True(t, is)

		is, err = st.IsImmediateChildOf(ctx, orgs["runtime"].OrgID, orgs["engineering"].OrgID)
		require.NoError(t, err)
		require.False(t, is)
	})
}

func TestOrganizationStore_Ancestry(t *testing.T) {
	ctx := context.Background()
	st := NewOrganizationStore()
	orgs := buildTree(t, st)

	t.Run("ancestor ids run closest to root", func(t *testing.T) {
		ids, err := st.AncestorIDs(ctx, orgs["runtime"].OrgID)
		require.NoError(t, err)
		require.Equal(t, []uuid.UUID{
			orgs["runtime"].OrgID,
			orgs["platform"].OrgID,
			orgs["engineering"].OrgID,
			orgs["acme"].OrgID,
			orgs["root"].OrgID,
		}, ids)
	})

	t.Run("ancestors carry names and absolute depths", func(t *testing.T) {
		ancestors, err := st.Ancestors(ctx, orgs["runtime"].OrgID)
		require.NoError(t, err)
		require.Len(t, ancestors, 5)
		require.Equal(t, "Runtime", ancestors[0].Name)
		require.Equal(t, 4, ancestors[0].Depth)
		require.Equal(t, "Super", ancestors[4].Name)
		require.Equal(t, 0, ancestors[4].Depth)
	})

	t.Run("unknown id yields empty chain", func(t *testing.T) {
		ids, err := st.AncestorIDs(ctx, uuid.Must(uuid.NewV7()))
		require.NoError(t, err)
		require.Empty(t, ids)
	})

	t.Run("depth", func(t *testing.T) {
		depth, err := st.Depth(ctx, orgs["root"].OrgID)
		require.NoError(t, err)
		require.Equal(t, 0, depth)

		depth, err = st.Depth(ctx, orgs["runtime"].OrgID)
		require.NoError(t, err)
		require.Equal(t, 4, depth)

		_, err = st.Depth(ctx, uuid.Must(uuid.NewV7()))
		require.ErrorIs(t, err, store.ErrOrganizationNotFound)
	})

	t.Run("relative depth in both directions", func(t *testing.T) {
		d, err := st.RelativeDepth(ctx, orgs["runtime"].OrgID, orgs["acme"].OrgID)
		require.NoError(t, err)
		require.Equal(t, 3, d)

		d, err = st.RelativeDepth(ctx, orgs["acme"].OrgID, orgs["runtime"].OrgID)
		require.NoError(t, err)
		require.Equal(t, 3, d)

		d, err = st.RelativeDepth(ctx, orgs["platform"].OrgID, orgs["platform"].OrgID)
		require.NoError(t, err)
		require.Equal(t, 0, d)
	})

	t.Run("relative depth across branches", func(t *testing.T) {
		_, err := st.RelativeDepth(ctx, orgs["runtime"].OrgID, orgs["design"].OrgID)
		require.ErrorIs(t, err, store.ErrNotInSameBranch)
	})

	t.Run("relative depth with unknown id", func(t *testing.T) {
		_, err := st.RelativeDepth(ctx, orgs["runtime"].OrgID, uuid.Must(uuid.NewV7()))
		require.ErrorIs(t, err, store.ErrOrganizationNotFound)
	})

	t.Run("ancestor at depth", func(t *testing.T) {
		id, err := st.AncestorAtDepth(ctx, orgs["runtime"].OrgID, 0)
		require.NoError(t, err)
		require.Equal(t, orgs["root"].OrgID, id)

		id, err = st.AncestorAtDepth(ctx, orgs["runtime"].OrgID, 1)
		require.NoError(t, err)
		require.Equal(t, orgs["acme"].OrgID, id)

		id, err = st.AncestorAtDepth(ctx, orgs["runtime"].OrgID, 4)
		require.NoError(t, err)
		require.Equal(t, orgs["runtime"].OrgID, id)
	})

	t.Run("ancestor at depth out of range", func(t *testing.T) {
		_, err := st.AncestorAtDepth(ctx, orgs["runtime"].OrgID, 5)
		require.ErrorIs(t, err, store.ErrDepthOutOfRange)

		_, err = st.AncestorAtDepth(ctx, orgs["runtime"].OrgID, -1)
		require.ErrorIs(t, err, store.ErrDepthOutOfRange)
	})
}

func TestOrganizationStore_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces mutable fields and bumps last modified", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		org, err := st.Get(ctx, orgs["design"].OrgID)
		require.NoError(t, err)
		before := org.LastModified

		org.Name = "Product Design"
		org.Description = "all things design"
		org.Attributes = []models.Attribute{{Key: "floor", Value: "3"}}
		require.NoError(t, st.Update(ctx, org))

		got, err := st.Get(ctx, orgs["design"].OrgID)
		require.NoError(t, err)
		require.Equal(t, "Product Design", got.Name)
		require.Equal(t, "all things design", got.Description)
		require.Equal(t, []models.Attribute{{Key: "floor", Value: "3"}}, got.Attributes)
		require.True(t, got.LastModified.After(before))
	})

	t.Run("rename onto a sibling is rejected", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		org, err := st.Get(ctx, orgs["design"].OrgID)
		require.NoError(t, err)
		org.Name = "Platform"
		require.ErrorIs(t, st.Update(ctx, org), store.ErrOrganizationAlreadyExists)
	})

	t.Run("nonexistent organization", func(t *testing.T) {
		st := NewOrganizationStore()
		buildTree(t, st)

		ghost := newOrg("Ghost", "ghost", nil, models.TypeStructural, 0)
		require.ErrorIs(t, st.Update(ctx, ghost), store.ErrOrganizationNotFound)
	})
}

func TestOrganizationStore_Patch(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces fields and attributes", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		org, err := st.Get(ctx, orgs["platform"].OrgID)
		require.NoError(t, err)

		err = st.Patch(ctx, org.OrgID, org.LastModified, []store.PatchOperation{
			{Op: store.PatchReplace, Path: "name", Value: "Platform Engineering"},
			{Op: store.PatchReplace, Path: "attributes/costCenter", Value: "CC-300"},
			{Op: store.PatchAdd, Path: "attributes/region", Value: "ap-southeast-2"},
			{Op: store.PatchRemove, Path: "attributes/oncall"},
		})
		require.NoError(t, err)

		got, err := st.Get(ctx, org.OrgID)
		require.NoError(t, err)
		require.Equal(t, "Platform Engineering", got.Name)
		require.Equal(t, []models.Attribute{
			{Key: "costCenter", Value: "CC-300"},
			{Key: "region", Value: "ap-southeast-2"},
		}, got.Attributes)
	})

	t.Run("status patch validates value", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		org, err := st.Get(ctx, orgs["design"].OrgID)
		require.NoError(t, err)

		err = st.Patch(ctx, org.OrgID, org.LastModified, []store.PatchOperation{
			{Op: store.PatchReplace, Path: "status", Value: "DISABLED"},
		})
		require.NoError(t, err)

		got, err := st.Get(ctx, org.OrgID)
		require.NoError(t, err)
		require.Equal(t, models.StatusDisabled, got.Status)

		err = st.Patch(ctx, org.OrgID, got.LastModified, []store.PatchOperation{
			{Op: store.PatchReplace, Path: "status", Value: "BROKEN"},
		})
		require.ErrorIs(t, err, store.ErrInvalidPatchOperation)
	})

	t.Run("stale token is rejected", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		org, err := st.Get(ctx, orgs["design"].OrgID)
		require.NoError(t, err)

		err = st.Patch(ctx, org.OrgID, org.LastModified, []store.PatchOperation{
			{Op: store.PatchReplace, Path: "description", Value: "first"},
		})
		require.NoError(t, err)

		// Same token again: the first patch moved last modified on.
		err = st.Patch(ctx, org.OrgID, org.LastModified, []store.PatchOperation{
			{Op: store.PatchReplace, Path: "description", Value: "second"},
		})
		require.ErrorIs(t, err, store.ErrConcurrentModification)
	})

	t.Run("bad op midway leaves the record untouched", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		org, err := st.Get(ctx, orgs["design"].OrgID)
		require.NoError(t, err)

		err = st.Patch(ctx, org.OrgID, org.LastModified, []store.PatchOperation{
			{Op: store.PatchReplace, Path: "name", Value: "Changed"},
			{Op: store.PatchReplace, Path: "nope", Value: "x"},
		})
		require.ErrorIs(t, err, store.ErrInvalidPatchOperation)

		got, err := st.Get(ctx, org.OrgID)
		require.NoError(t, err)
		require.Equal(t, "Design", got.Name)
	})

	t.Run("remove only supports description and attributes", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		org, err := st.Get(ctx, orgs["design"].OrgID)
		require.NoError(t, err)

		err = st.Patch(ctx, org.OrgID, org.LastModified, []store.PatchOperation{
			{Op: store.PatchRemove, Path: "name"},
		})
		require.ErrorIs(t, err, store.ErrInvalidPatchOperation)
	})

	t.Run("nonexistent organization", func(t *testing.T) {
		st := NewOrganizationStore()
		buildTree(t, st)

		err := st.Patch(ctx, uuid.Must(uuid.NewV7()), time.Now(), []store.PatchOperation{
			{Op: store.PatchReplace, Path: "name", Value: "x"},
		})
		require.ErrorIs(t, err, store.ErrOrganizationNotFound)
	})
}

func TestOrganizationStore_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes a leaf", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		require.NoError(t, st.Delete(ctx, orgs["runtime"].OrgID))

		_, err := st.Get(ctx, orgs["runtime"].OrgID)
		require.ErrorIs(t, err, store.ErrOrganizationNotFound)
	})

	t.Run("rejects a non-leaf", func(t *testing.T) {
		st := NewOrganizationStore()
		orgs := buildTree(t, st)

		require.ErrorIs(t, st.Delete(ctx, orgs["platform"].OrgID), store.ErrChildOrganizationsExist)
	})

	t.Run("nonexistent organization", func(t *testing.T) {
		st := NewOrganizationStore()
		buildTree(t, st)

		require.ErrorIs(t, st.Delete(ctx, uuid.Must(uuid.NewV7())), store.ErrOrganizationNotFound)
	})
}

func TestOrganizationStore_NameChecks(t *testing.T) {
	ctx := context.Background()
	st := NewOrganizationStore()
	orgs := buildTree(t, st)

	t.Run("exists", func(t *testing.T) {
		found, err := st.Exists(ctx, orgs["acme"].OrgID)
		require.NoError(t, err)
		require.True(t, found)

		found, err = st.Exists(ctx, uuid.Must(uuid.NewV7()))
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("sibling name check", func(t *testing.T) {
		found, err := st.SiblingExistsWithName(ctx, orgs["engineering"].OrgID, "Design")
		require.NoError(t, err)
		require.True(t, found)

		found, err = st.SiblingExistsWithName(ctx, orgs["engineering"].OrgID, "Runtime")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("descendant name check spans the subtree", func(t *testing.T) {
		found, err := st.DescendantExistsWithName(ctx, orgs["acme"].OrgID, "Runtime")
		require.NoError(t, err)
		require.True(t, found)

		found, err = st.DescendantExistsWithName(ctx, orgs["acme"].OrgID, "Acme")
		require.NoError(t, err)
		require.False(t, found)
	})
}

func TestOrganizationStore_ListMetaAttributeKeys(t *testing.T) {
	ctx := context.Background()
	st := NewOrganizationStore()
	orgs := buildTree(t, st)

	t.Run("recursive keys are distinct and sorted", func(t *testing.T) {
		keys, err := st.ListMetaAttributeKeys(ctx, store.MetaAttributesOptions{
			ParentID:  orgs["acme"].OrgID,
			Recursive: true,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"costCenter", "oncall"}, keys)
	})

	t.Run("non-recursive keys", func(t *testing.T) {
		keys, err := st.ListMetaAttributeKeys(ctx, store.MetaAttributesOptions{
			ParentID: orgs["acme"].OrgID,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"costCenter"}, keys)
	})

	t.Run("filters narrow the contributing organizations", func(t *testing.T) {
		keys, err := st.ListMetaAttributeKeys(ctx, store.MetaAttributesOptions{
			ParentID:  orgs["acme"].OrgID,
			Recursive: true,
			Filters: []filter.Expression{
				{Attribute: "name", Operator: filter.OpEquals, Value: "Engineering"},
			},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"costCenter"}, keys)
	})
}

func TestOrganizationStore_ResolveTenantDomain(t *testing.T) {
	ctx := context.Background()
	st := NewOrganizationStore()
	orgs := buildTree(t, st)

	t.Run("descendants resolve to the nearest tenant", func(t *testing.T) {
		domain, err := st.ResolveTenantDomain(ctx, orgs["runtime"].OrgID)
		require.NoError(t, err)
		require.Equal(t, "acme", domain)
	})

	t.Run("tenant resolves to itself", func(t *testing.T) {
		domain, err := st.ResolveTenantDomain(ctx, orgs["acme"].OrgID)
		require.NoError(t, err)
		require.Equal(t, "acme", domain)
	})

	t.Run("root has no tenant", func(t *testing.T) {
		_, err := st.ResolveTenantDomain(ctx, orgs["root"].OrgID)
		require.ErrorIs(t, err, store.ErrTenantNotFound)
	})
}
