package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piavgh/blutgang/pkg/pool"
)

func TestSafeBlockRecordsHighest(t *testing.T) {
	a := mockTagNode(18193012, 18192900, 18192950)
	defer a.Close()
	b := mockTagNode(18193012, 18192800, 18193000)
	defer b.Close()

	reg := registryFor(a, b)
	checker := newTestChecker(reg)
	updates := checker.Finalized().Subscribe()

	finalized, err := checker.SafeBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(18192900), finalized)

	assert.Equal(t, uint64(18192900), checker.Named().Finalized())
	assert.Equal(t, uint64(18193000), checker.Named().Safe())

	select {
	case v := <-updates:
		assert.Equal(t, uint64(18192900), v)
	case <-time.After(time.Second):
		t.Fatal("finalized height never reached the watch channel")
	}
}

func TestSafeBlockSkipsFailingNodes(t *testing.T) {
	good := mockTagNode(18193012, 18192900, 18192950)
	defer good.Close()
	bad := mockErrorNode()
	defer bad.Close()

	reg := registryFor(good, bad)
	checker := newTestChecker(reg)

	finalized, err := checker.SafeBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(18192900), finalized)
}

func TestSafeBlockAllFailing(t *testing.T) {
	bad := mockErrorNode()
	defer bad.Close()

	reg := registryFor(bad)
	checker := newTestChecker(reg)
	updates := checker.Finalized().Subscribe()

	finalized, err := checker.SafeBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), finalized)
	assert.Equal(t, uint64(0), checker.Named().Finalized())

	select {
	case v := <-updates:
		t.Fatalf("no height should have been published, got %d", v)
	default:
	}
}

func TestSafeBlockEmptyRegistry(t *testing.T) {
	reg := pool.NewRegistry(nil)
	checker := newTestChecker(reg)

	finalized, err := checker.SafeBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), finalized)
}

func TestResolveNamedTags(t *testing.T) {
	named := NewNamedBlockNumbers()

	_, ok := named.Resolve("latest")
	assert.False(t, ok, "latest should not resolve before the first pass")

	v, ok := named.Resolve("earliest")
	assert.True(t, ok)
	assert.Equal(t, uint64(0), v)

	_, ok = named.Resolve("pending")
	assert.False(t, ok)

	_, ok = named.Resolve("not-a-tag")
	assert.False(t, ok)

	named.SetLatest(18193012)
	named.SetFinalized(18192900)
	named.SetSafe(18192950)

	tests := []struct {
		tag  string
		want uint64
	}{
		{"latest", 18193012},
		{"finalized", 18192900},
		{"safe", 18192950},
	}
	for _, tt := range tests {
		got, ok := named.Resolve(tt.tag)
		require.True(t, ok, "tag %q", tt.tag)
		assert.Equal(t, tt.want, got, "tag %q", tt.tag)
	}

	_, ok = named.Resolve("pending")
	assert.False(t, ok, "pending never resolves to a stable height")
}
