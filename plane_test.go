package vidplane

import (
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlanes() []*Plane {
	return []*Plane{
		{ID: 31, Index: 0, IsPrimary: true, SupportsGraphics: true, ZOrder: 0x100},
		{ID: 32, Index: 1, SupportsVideo: true, SupportsGraphics: true, FrameRateMatching: true, ZOrder: 1},
		{ID: 33, Index: 2, SupportsVideo: true, ZOrder: 2},
		{ID: 34, Index: 3, SupportsGraphics: true, ZOrder: 0x203},
	}
}

func requirePoolInvariants(t *testing.T, pool *PlanePool, all []*Plane) {
	t.Helper()
	avail := pool.Available()
	used := pool.InUse()

	assert.True(t, slices.IsSortedFunc(avail, func(a, b *Plane) int {
		return int(a.ZOrder) - int(b.ZOrder)
	}), "available not sorted by z-order")
	assert.Equal(t, len(used), pool.UsedCount())
	assert.LessOrEqual(t, pool.UsedCount(), pool.TotalCount())

	seen := make(map[*Plane]int)
	for _, p := range avail {
		seen[p]++
		assert.False(t, p.InUse, "available plane %d marked in use", p.ID)
	}
	for _, p := range used {
		seen[p]++
		assert.True(t, p.InUse, "lent plane %d not marked in use", p.ID)
	}
	require.Len(t, seen, len(all))
	for _, p := range all {
		assert.Equal(t, 1, seen[p], "plane %d must be in exactly one list", p.ID)
	}
}

func TestPlanePoolSortsOnConstruction(t *testing.T) {
	planes := testPlanes()
	pool := NewPlanePool(planes, PoolConfig{})

	ids := make([]uint32, 0, 4)
	for _, p := range pool.Available() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []uint32{32, 33, 31, 34}, ids)
	assert.Same(t, planes[0], pool.Primary())
	assert.Equal(t, 4, pool.TotalCount())
	requirePoolInvariants(t, pool, planes)
}

func TestPlanePoolGraphicsExhaustion(t *testing.T) {
	planes := testPlanes()
	pool := NewPlanePool(planes, PoolConfig{Metrics: NewMetrics(nil)})

	var got []uint32
	for i := 0; i < pool.TotalCount(); i++ {
		p, err := pool.Allocate(true, false)
		require.NoError(t, err, "allocation %d", i)
		assert.True(t, p.InUse)
		got = append(got, p.ID)
		requirePoolInvariants(t, pool, planes)
	}
	// Graphics always takes the topmost free plane.
	assert.Equal(t, []uint32{34, 31, 33, 32}, got)

	_, err := pool.Allocate(true, false)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	_, err = pool.Allocate(false, false)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	requirePoolInvariants(t, pool, planes)
}

func TestPlanePoolVideoMatching(t *testing.T) {
	planes := testPlanes()
	pool := NewPlanePool(planes, PoolConfig{})

	p, err := pool.Allocate(false, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(32), p.ID)

	_, err = pool.Allocate(false, true)
	assert.ErrorIs(t, err, ErrNoMatchingPlane)

	p, err = pool.Allocate(false, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(33), p.ID, "lowest non-matching plane first")
	requirePoolInvariants(t, pool, planes)
}

func TestPlanePoolFreeReinsertsInOrder(t *testing.T) {
	planes := testPlanes()
	pool := NewPlanePool(planes, PoolConfig{})

	video, err := pool.Allocate(false, true)
	require.NoError(t, err)
	video.Hide = true
	video.Hidden = true
	video.Dirty = true

	require.NoError(t, pool.Free(video))
	requirePoolInvariants(t, pool, planes)
	assert.False(t, video.Hide)
	assert.False(t, video.Hidden)
	assert.Same(t, video, pool.Available()[0])

	again, err := pool.Allocate(false, true)
	require.NoError(t, err)
	assert.Same(t, video, again)
	assert.False(t, again.Dirty)
}

func TestPlanePoolFreeMiddle(t *testing.T) {
	planes := testPlanes()
	pool := NewPlanePool(planes, PoolConfig{})

	var lent []*Plane
	for range 3 {
		p, err := pool.Allocate(true, false)
		require.NoError(t, err)
		lent = append(lent, p)
	}
	// lent: 34, 31, 33; only 32 (z=1) remains.
	require.NoError(t, pool.Free(lent[1]))
	require.NoError(t, pool.Free(lent[0]))
	require.NoError(t, pool.Free(lent[2]))

	ids := make([]uint32, 0, 4)
	for _, p := range pool.Available() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []uint32{32, 33, 31, 34}, ids)
	assert.Zero(t, pool.UsedCount())
	requirePoolInvariants(t, pool, planes)
}

func TestPlanePoolDoubleFree(t *testing.T) {
	planes := testPlanes()
	pool := NewPlanePool(planes, PoolConfig{})

	p, err := pool.Allocate(true, false)
	require.NoError(t, err)
	require.NoError(t, pool.Free(p))

	err = pool.Free(p)
	assert.ErrorIs(t, err, ErrPlaneNotInUse)
	assert.Zero(t, pool.UsedCount())
	requirePoolInvariants(t, pool, planes)

	other := NewPlanePool(testPlanes(), PoolConfig{})
	q, err := other.Allocate(true, false)
	require.NoError(t, err)
	assert.ErrorIs(t, pool.Free(q), ErrPlaneNotInUse)
	assert.ErrorIs(t, pool.Free(nil), ErrPlaneNotInUse)
	requirePoolInvariants(t, pool, planes)
}

func TestPlanePoolAllocatePrimary(t *testing.T) {
	t.Run("no primary", func(t *testing.T) {
		planes := testPlanes()[1:]
		pool := NewPlanePool(planes, PoolConfig{})
		before := pool.Available()

		for range 3 {
			_, err := pool.AllocatePrimary()
			assert.ErrorIs(t, err, ErrNoPrimaryPlane)
		}
		assert.Equal(t, before, pool.Available())
		assert.Zero(t, pool.UsedCount())
		requirePoolInvariants(t, pool, planes)
	})

	t.Run("primary lent once", func(t *testing.T) {
		planes := testPlanes()
		pool := NewPlanePool(planes, PoolConfig{})

		p, err := pool.AllocatePrimary()
		require.NoError(t, err)
		assert.True(t, p.IsPrimary)

		_, err = pool.AllocatePrimary()
		assert.ErrorIs(t, err, ErrPlaneInUse)
		assert.Equal(t, 1, pool.UsedCount())
		requirePoolInvariants(t, pool, planes)

		require.NoError(t, pool.Free(p))
		_, err = pool.AllocatePrimary()
		assert.NoError(t, err)
	})
}

func TestPlanePoolConcurrent(t *testing.T) {
	planes := testPlanes()
	pool := NewPlanePool(planes, PoolConfig{})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(graphics bool) {
			defer wg.Done()
			for range 200 {
				p, err := pool.Allocate(graphics, false)
				if err != nil {
					continue
				}
				_ = pool.Free(p)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	assert.Zero(t, pool.UsedCount())
	requirePoolInvariants(t, pool, planes)
}
