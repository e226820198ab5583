package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func enabledConfig() Config {
	return Config{Enabled: true, TimeoutSeconds: 900, Capacity: 10000}
}

func TestCache_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	c := New[string]("test", enabledConfig())
	defer c.Stop()

	t.Run("miss on empty cache", func(t *testing.T) {
		_, ok := c.Get(ctx, "acme", "k1")
		require.False(t, ok)
	})

	t.Run("set then get", func(t *testing.T) {
		c.Set(ctx, "acme", "k1", "v1")
		got, ok := c.Get(ctx, "acme", "k1")
		require.True(t, ok)
		require.Equal(t, "v1", got)
	})

	t.Run("delete removes the entry", func(t *testing.T) {
		c.Set(ctx, "acme", "k2", "v2")
		c.Delete(ctx, "acme", "k2")
		_, ok := c.Get(ctx, "acme", "k2")
		require.False(t, ok)
	})

	t.Run("delete of absent key is a no-op", func(t *testing.T) {
		c.Delete(ctx, "acme", "never-set")
	})
}

func TestCache_TenantIsolation(t *testing.T) {
	ctx := context.Background()

	t.Run("local cache partitions per tenant", func(t *testing.T) {
		c := New[string]("local", enabledConfig())
		defer c.Stop()

		c.Set(ctx, "acme", "k", "acme-value")
		c.Set(ctx, "globex", "k", "globex-value")

		got, ok := c.Get(ctx, "acme", "k")
		require.True(t, ok)
		require.Equal(t, "acme-value", got)

		got, ok = c.Get(ctx, "globex", "k")
		require.True(t, ok)
		require.Equal(t, "globex-value", got)
	})

	t.Run("distributed cache qualifies keys per tenant", func(t *testing.T) {
		cfg := enabledConfig()
		cfg.Distributed = true
		c := New[string]("shared", cfg)
		defer c.Stop()

		c.Set(ctx, "acme", "k", "acme-value")

		_, ok := c.Get(ctx, "globex", "k")
		require.False(t, ok)

		got, ok := c.Get(ctx, "acme", "k")
		require.True(t, ok)
		require.Equal(t, "acme-value", got)
	})

	t.Run("clear drops one tenant only", func(t *testing.T) {
		cfg := enabledConfig()
		cfg.Distributed = true
		c := New[string]("clearable", cfg)
		defer c.Stop()

		c.Set(ctx, "acme", "k", "a")
		c.Set(ctx, "globex", "k", "g")

		c.Clear("acme")

		_, ok := c.Get(ctx, "acme", "k")
		require.False(t, ok)

		got, ok := c.Get(ctx, "globex", "k")
		require.True(t, ok)
		require.Equal(t, "g", got)
	})

	t.Run("clear drops every key of the tenant", func(t *testing.T) {
		cfg := enabledConfig()
		cfg.Distributed = true
		c := New[string]("multikey", cfg)
		defer c.Stop()

		for i := range 5 {
			c.Set(ctx, "acme", fmt.Sprintf("k%d", i), "a")
		}
		c.Set(ctx, "globex", "k0", "g")

		c.Clear("acme")

		for i := range 5 {
			_, ok := c.Get(ctx, "acme", fmt.Sprintf("k%d", i))
			require.False(t, ok, "acme/k%d should be cleared", i)
		}

		got, ok := c.Get(ctx, "globex", "k0")
		require.True(t, ok)
		require.Equal(t, "g", got)
	})

	t.Run("clear on local cache drops the whole partition", func(t *testing.T) {
		c := New[string]("local-clear", enabledConfig())
		defer c.Stop()

		c.Set(ctx, "acme", "k1", "a1")
		c.Set(ctx, "acme", "k2", "a2")
		c.Set(ctx, "globex", "k1", "g1")

		c.Clear("acme")

		_, ok := c.Get(ctx, "acme", "k1")
		require.False(t, ok)
		_, ok = c.Get(ctx, "acme", "k2")
		require.False(t, ok)

		_, ok = c.Get(ctx, "globex", "k1")
		require.True(t, ok)
	})
}

func TestCache_DeleteEverywhere(t *testing.T) {
	ctx := context.Background()

	t.Run("local cache drops the key from every partition", func(t *testing.T) {
		c := New[string]("everywhere", enabledConfig())
		defer c.Stop()

		c.Set(ctx, "acme", "k", "a")
		c.Set(ctx, "globex", "k", "g")
		c.Set(ctx, "acme", "other", "keep")

		c.DeleteEverywhere(ctx, "k")

		_, ok := c.Get(ctx, "acme", "k")
		require.False(t, ok)
		_, ok = c.Get(ctx, "globex", "k")
		require.False(t, ok)

		got, ok := c.Get(ctx, "acme", "other")
		require.True(t, ok)
		require.Equal(t, "keep", got)
	})

	t.Run("distributed cache drops every qualified key", func(t *testing.T) {
		cfg := enabledConfig()
		cfg.Distributed = true
		c := New[string]("everywhere-shared", cfg)
		defer c.Stop()

		c.Set(ctx, "acme", "k", "a")
		c.Set(ctx, "globex", "k", "g")
		c.Set(ctx, "acme", "other", "keep")

		c.DeleteEverywhere(ctx, "k")

		_, ok := c.Get(ctx, "acme", "k")
		require.False(t, ok)
		_, ok = c.Get(ctx, "globex", "k")
		require.False(t, ok)

		_, ok = c.Get(ctx, "acme", "other")
		require.True(t, ok)
	})
}

func TestCache_Disabled(t *testing.T) {
	ctx := context.Background()
	c := New[string]("off", Config{Enabled: false})
	defer c.Stop()

	require.False(t, c.Enabled())

	c.Set(ctx, "acme", "k", "v")
	_, ok := c.Get(ctx, "acme", "k")
	require.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	ctx := context.Background()

	t.Run("positive timeout expires entries", func(t *testing.T) {
		c := New[string]("short", Config{Enabled: true, TimeoutSeconds: 1, Capacity: 10})
		defer c.Stop()

		c.Set(ctx, "acme", "k", "v")
		_, ok := c.Get(ctx, "acme", "k")
		require.True(t, ok)

		time.Sleep(1100 * time.Millisecond)

		_, ok = c.Get(ctx, "acme", "k")
		require.False(t, ok)
	})

	t.Run("non-positive timeout never expires", func(t *testing.T) {
		c := New[string]("forever", Config{Enabled: true, TimeoutSeconds: 0, Capacity: 10})
		defer c.Stop()

		c.Set(ctx, "acme", "k", "v")
		time.Sleep(50 * time.Millisecond)

		got, ok := c.Get(ctx, "acme", "k")
		require.True(t, ok)
		require.Equal(t, "v", got)
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("parses per-cache settings", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cache.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
caches:
  org_minimal:
    enabled: true
    timeout_seconds: 300
    capacity: 5000
  org_detail:
    enabled: false
    distributed: true
`), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		minimal := cfg.For("org_minimal")
		require.True(t, minimal.Enabled)
		require.Equal(t, 300, minimal.TimeoutSeconds)
		require.Equal(t, 5000, minimal.Capacity)

		detail := cfg.For("org_detail")
		require.False(t, detail.Enabled)
		require.True(t, detail.Distributed)
		require.Zero(t, detail.TimeoutSeconds)
	})

	t.Run("negative timeout and capacity mean no expiry and unbounded", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cache.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
caches:
  pinned:
    enabled: true
    timeout_seconds: -1
    capacity: -1
`), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		pinned := cfg.For("pinned")
		require.Equal(t, -1, pinned.TimeoutSeconds)
		require.Equal(t, -1, pinned.Capacity)

		ctx := context.Background()
		c := New[string]("pinned", pinned)
		defer c.Stop()

		c.Set(ctx, "acme", "k", "v")
		got, ok := c.Get(ctx, "acme", "k")
		require.True(t, ok)
		require.Equal(t, "v", got)
	})

	t.Run("unknown cache falls back to enabled defaults", func(t *testing.T) {
		var cfg *FileConfig
		c := cfg.For("anything")
		require.True(t, c.Enabled)
		require.Zero(t, c.TimeoutSeconds)
		require.Zero(t, c.Capacity)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}
