package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrgStatus is the lifecycle status of an organization.
type OrgStatus string

const (
	StatusActive   OrgStatus = "ACTIVE"
	StatusDisabled OrgStatus = "DISABLED"
)

// OrgType distinguishes plain structural nodes from tenant boundaries.
type OrgType string

const (
	TypeStructural OrgType = "STRUCTURAL"
	TypeTenant     OrgType = "TENANT"
)

// ParseStatus validates and converts a raw status string.
func ParseStatus(s string) (OrgStatus, error) {
	switch OrgStatus(s) {
	case StatusActive, StatusDisabled:
		return OrgStatus(s), nil
	default:
		return "", fmt.Errorf("unknown organization status %q", s)
	}
}

// ParseType validates and converts a raw type string.
func ParseType(s string) (OrgType, error) {
	switch OrgType(s) {
	case TypeStructural, TypeTenant:
		return OrgType(s), nil
	default:
		return "", fmt.Errorf("unknown organization type %q", s)
	}
}

// Attribute is a single meta attribute attached to an organization.
// Keys are unique per organization; values are free-form strings.
type Attribute struct {
	Key   string
	Value string
}

// Organization is the full detail view of a node in the tenant hierarchy.
// The root organization has a nil ParentID; every other organization has
// exactly one parent.
type Organization struct {
	OrgID        uuid.UUID // UUIDv7
	Name         string
	Handle       string // human-facing alias, unique platform-wide
	Description  string
	Version      string
	Status       OrgStatus
	Type         OrgType
	CreatorID    uuid.UUID
	CreatorName  string
	ParentID     *uuid.UUID
	CreatedAt    time.Time
	LastModified time.Time
	Attributes   []Attribute
	ChildIDs     []uuid.UUID
	Permissions  []string
}

// BasicOrganization is the listing projection. Attributes are only populated
// when the caller asks for them via ListOptions.IncludeAttributes.
type BasicOrganization struct {
	OrgID      uuid.UUID
	Name       string
	Status     OrgStatus
	Handle     string
	ParentID   *uuid.UUID
	Depth      int
	CreatedAt  time.Time
	Attributes []Attribute
}

// AncestorOrganization is one entry in an ancestor chain.
// Depth is the ancestor's own absolute depth in the hierarchy.
type AncestorOrganization struct {
	OrgID uuid.UUID
	Name  string
	Depth int
}

// OrganizationNode is a mutable tree node used to materialize a subtree graph
// in memory. It is never persisted.
type OrganizationNode struct {
	OrgID     uuid.UUID
	Name      string
	Handle    string
	ParentID  *uuid.UUID
	CreatedAt time.Time
	Children  []*OrganizationNode
}
