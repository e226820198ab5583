package models

import (
	"time"

	"github.com/google/uuid"
)

// MinimalOrganization is the cache-safe projection of an organization. It is
// immutable once built, so cached instances can be shared across tenant-scoped
// calls without copying. Fields deliberately exclude anything that changes when
// an ancestor or descendant mutates.
type MinimalOrganization struct {
	orgID     uuid.UUID
	name      string
	status    OrgStatus
	handle    string
	parentID  uuid.UUID
	hasParent bool
	depth     int
	createdAt time.Time
}

func (m MinimalOrganization) OrgID() uuid.UUID     { return m.orgID }
func (m MinimalOrganization) Name() string         { return m.name }
func (m MinimalOrganization) Status() OrgStatus    { return m.status }
func (m MinimalOrganization) Handle() string       { return m.handle }
func (m MinimalOrganization) Depth() int           { return m.depth }
func (m MinimalOrganization) CreatedAt() time.Time { return m.createdAt }

// ParentID returns the parent organization id and whether one exists.
// The root organization has no parent.
func (m MinimalOrganization) ParentID() (uuid.UUID, bool) {
	return m.parentID, m.hasParent
}

// MinimalOrganizationBuilder assembles a MinimalOrganization.
type MinimalOrganizationBuilder struct {
	m MinimalOrganization
}

func NewMinimalOrganization() *MinimalOrganizationBuilder {
	return &MinimalOrganizationBuilder{}
}

func (b *MinimalOrganizationBuilder) OrgID(id uuid.UUID) *MinimalOrganizationBuilder {
	b.m.orgID = id
	return b
}

func (b *MinimalOrganizationBuilder) Name(name string) *MinimalOrganizationBuilder {
	b.m.name = name
	return b
}

func (b *MinimalOrganizationBuilder) Status(status OrgStatus) *MinimalOrganizationBuilder {
	b.m.status = status
	return b
}

func (b *MinimalOrganizationBuilder) Handle(handle string) *MinimalOrganizationBuilder {
	b.m.handle = handle
	return b
}

func (b *MinimalOrganizationBuilder) ParentID(id *uuid.UUID) *MinimalOrganizationBuilder {
	if id != nil {
		b.m.parentID = *id
		b.m.hasParent = true
	} else {
		b.m.parentID = uuid.Nil
		b.m.hasParent = false
	}
	return b
}

func (b *MinimalOrganizationBuilder) Depth(depth int) *MinimalOrganizationBuilder {
	b.m.depth = depth
	return b
}

func (b *MinimalOrganizationBuilder) CreatedAt(t time.Time) *MinimalOrganizationBuilder {
	b.m.createdAt = t
	return b
}

// Build returns the assembled value. The builder can be reused afterwards.
func (b *MinimalOrganizationBuilder) Build() MinimalOrganization {
	return b.m
}
