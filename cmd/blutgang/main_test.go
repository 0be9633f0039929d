package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piavgh/blutgang/internal/log"
	"github.com/piavgh/blutgang/pkg/cache"
	"github.com/piavgh/blutgang/pkg/config"
)

func TestEnsureCacheMatchesUpstreams(t *testing.T) {
	store, err := cache.New(cache.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := log.WithComponent("test")
	settings := config.Default()
	settings.Rpcs = []config.RpcEntry{{URL: "http://a"}, {URL: "http://b"}}

	require.NoError(t, ensureCacheMatchesUpstreams(store, settings, logger))
	probe := cache.Key([]byte("probe"))
	require.NoError(t, store.Set(probe, []byte(`"0x1"`)))

	// The same upstream set keeps the cache, regardless of order.
	settings.Rpcs = []config.RpcEntry{{URL: "http://b"}, {URL: "http://a"}}
	require.NoError(t, ensureCacheMatchesUpstreams(store, settings, logger))
	_, ok, err := store.Get(probe)
	require.NoError(t, err)
	assert.True(t, ok)

	// A different upstream set flushes it.
	settings.Rpcs = []config.RpcEntry{{URL: "http://c"}}
	require.NoError(t, ensureCacheMatchesUpstreams(store, settings, logger))
	_, ok, err = store.Get(probe)
	require.NoError(t, err)
	assert.False(t, ok, "cache filled by other upstreams must not survive")
}
