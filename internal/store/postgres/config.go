package postgres

import (
	"fmt"

	"github.com/orgforest/orgforest/internal/store"
)

// StoreConfig holds organization-store-specific configuration. Pool
// configuration is handled separately via PoolConfig.
type StoreConfig struct {
	// DefaultPageSize caps List results when the caller passes no limit.
	// Default: 100
	DefaultPageSize int

	// DefaultSortBy and DefaultSortOrder apply when ListOptions leaves them
	// unset. Defaults: created, ascending.
	DefaultSortBy    store.SortField
	DefaultSortOrder store.SortOrder

	// MaxRetries bounds retry attempts for retryable transaction failures
	// (serialization, deadlock) on closure-mutating writes.
	// Default: 3
	MaxRetries uint

	// AutoMigrate runs embedded schema migrations on store construction.
	AutoMigrate bool
}

// Validate checks that the configuration is valid.
func (c *StoreConfig) Validate() error {
	switch c.DefaultSortBy {
	case store.SortByCreated, store.SortByName:
	default:
		return fmt.Errorf("invalid default sort field %q", c.DefaultSortBy)
	}
	switch c.DefaultSortOrder {
	case store.SortAscending, store.SortDescending:
	default:
		return fmt.Errorf("invalid default sort order %q", c.DefaultSortOrder)
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *StoreConfig) ApplyDefaults() {
	if c.DefaultPageSize == 0 {
		c.DefaultPageSize = 100
	}
	if c.DefaultSortBy == "" {
		c.DefaultSortBy = store.SortByCreated
	}
	if c.DefaultSortOrder == "" {
		c.DefaultSortOrder = store.SortAscending
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}
