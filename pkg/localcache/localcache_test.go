package localcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestManifestRoundTrip(t *testing.T) {
	c := openTestCache(t)

	_, found, err := c.LastManifest("app")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.StoreManifest("app", []string{"users", "orders"}))

	names, found, err := c.LastManifest("app")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"users", "orders"}, names)
}

func TestManifestOverwrite(t *testing.T) {
	c := openTestCache(t)

	require.NoError(t, c.StoreManifest("app", []string{"users"}))
	require.NoError(t, c.StoreManifest("app", []string{"users", "orders"}))

	names, found, err := c.LastManifest("app")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"users", "orders"}, names)
}

func TestRetryCounters(t *testing.T) {
	c := openTestCache(t)

	n, err := c.IncrRetry("replicator")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.IncrRetry("replicator")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, c.ResetRetry("replicator"))

	n, err = c.IncrRetry("replicator")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRetryCountersIndependentPerComponent(t *testing.T) {
	c := openTestCache(t)

	_, err := c.IncrRetry("full_sync")
	require.NoError(t, err)
	_, err = c.IncrRetry("full_sync")
	require.NoError(t, err)

	n, err := c.IncrRetry("incr_apply")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
